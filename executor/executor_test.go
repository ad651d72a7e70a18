package executor

import (
	"os"
	"testing"

	"github.com/Johniel/gorelly/buffer"
	"github.com/Johniel/gorelly/catalog"
	"github.com/Johniel/gorelly/disk"
	"github.com/Johniel/gorelly/transaction"
)

func newTestBufmgr(t *testing.T) *buffer.BufferPoolManager {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "test_executor_*.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	dm, err := disk.NewDiskManager(tmpfile)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dm.Close() })

	pool := buffer.NewBufferPool(32)
	return buffer.NewBufferPoolManager(dm, pool)
}

func testColumns() []catalog.ColumnDef {
	return []catalog.ColumnDef{
		{Name: "id", Type: catalog.ColumnTypeInt, Size: 8, IsPrimaryKey: true},
		{Name: "name", Type: catalog.ColumnTypeVarchar, Size: 64},
	}
}

// literalSource is a Source executor carrying raw rows, standing in for the
// plan's literal-value insert path (see INSERT's "raw value insertion"
// flavor in the executor framework).
type literalSource struct {
	rows   []Tuple
	pos    int
	schema *Schema
}

func (s *literalSource) Init() error              { return nil }
func (s *literalSource) GetOutputSchema() *Schema { return s.schema }
func (s *literalSource) Next() (Tuple, RID, bool, error) {
	if s.pos >= len(s.rows) {
		return nil, RID{}, false, nil
	}
	row := s.rows[s.pos]
	s.pos++
	return row, RID{}, true, nil
}

func newTestContext(t *testing.T, isolation transaction.IsolationLevel) (*Context, *catalog.TableSchema) {
	t.Helper()
	bufmgr := newTestBufmgr(t)
	cat := catalog.NewCatalogManager(bufmgr)
	schema, err := cat.CreateTable("users", testColumns())
	if err != nil {
		t.Fatal(err)
	}

	lm := transaction.NewLockManager()
	tm := transaction.NewTransactionManager()
	txn := tm.Begin(isolation)

	return &Context{
		Bufmgr:      bufmgr,
		Txn:         txn,
		LockManager: lm,
		Catalog:     cat,
	}, schema
}

func insertRows(t *testing.T, ctx *Context, table *catalog.TableSchema, rows []Tuple) {
	t.Helper()
	ins := &Insert{Ctx: ctx, Table: table, Source: &literalSource{rows: rows}}
	exec, err := ins.Init()
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.Init(); err != nil {
		t.Fatal(err)
	}

	n := 0
	for {
		_, _, ok, err := exec.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		n++
	}
	if n != len(rows) {
		t.Fatalf("inserted %d rows, want %d", n, len(rows))
	}
}

func TestSeqScanReadUncommittedTakesNoLock(t *testing.T) {
	ctx, table := newTestContext(t, transaction.ReadUncommitted)
	insertRows(t, ctx, table, []Tuple{{[]byte("1"), []byte("alice")}})
	// Drop the insert's exclusive lock so only the scan's own locking is observed.
	ctx.LockManager.UnlockAll(ctx.Txn)

	ss := &SeqScan{Ctx: ctx, Table: table}
	exec, err := ss.Init()
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.Init(); err != nil {
		t.Fatal(err)
	}

	row, rid, ok, err := exec.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(row[1]) != "alice" {
		t.Fatalf("got row %v", row)
	}
	if ctx.Txn.HoldsShared(rid) || ctx.Txn.HoldsExclusive(rid) {
		t.Fatal("READ_UNCOMMITTED scan must not hold any lock")
	}

	if _, _, ok, err := exec.Next(); err != nil || ok {
		t.Fatalf("expected exhausted scan, got ok=%v err=%v", ok, err)
	}
}

func TestSeqScanReadCommittedReleasesLockImmediately(t *testing.T) {
	ctx, table := newTestContext(t, transaction.ReadCommitted)
	insertRows(t, ctx, table, []Tuple{{[]byte("1"), []byte("alice")}})
	// Drop the insert's exclusive lock so the scan takes and releases its own
	// shared lock.
	ctx.LockManager.UnlockAll(ctx.Txn)

	ss := &SeqScan{Ctx: ctx, Table: table}
	exec, err := ss.Init()
	if err != nil {
		t.Fatal(err)
	}

	_, rid, ok, err := exec.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if ctx.Txn.HoldsShared(rid) {
		t.Fatal("READ_COMMITTED must release its shared lock immediately after reading")
	}
	// Releasing a lock under READ_COMMITTED must never trip the 2PL
	// shrinking transition: that only applies under REPEATABLE_READ.
	if ctx.Txn.State() != transaction.StateGrowing {
		t.Fatalf("READ_COMMITTED unlock must not leave the transaction SHRINKING, got %v", ctx.Txn.State())
	}
}

func TestSeqScanRepeatableReadHoldsLockToCommit(t *testing.T) {
	ctx, table := newTestContext(t, transaction.RepeatableRead)
	insertRows(t, ctx, table, []Tuple{{[]byte("1"), []byte("alice")}})
	// Release the writer's locks and scan from a second transaction, so the
	// scan's shared lock is not covered by the insert's exclusive one.
	ctx.LockManager.UnlockAll(ctx.Txn)
	ctx.Txn = transaction.NewTransaction(ctx.Txn.ID()+1, transaction.RepeatableRead)

	ss := &SeqScan{Ctx: ctx, Table: table}
	exec, err := ss.Init()
	if err != nil {
		t.Fatal(err)
	}

	_, rid, ok, err := exec.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if !ctx.Txn.HoldsShared(rid) {
		t.Fatal("REPEATABLE_READ must hold its shared lock past the read")
	}
	if ctx.Txn.State() != transaction.StateGrowing {
		t.Fatalf("holding a lock must not change 2PL phase, got %v", ctx.Txn.State())
	}
}

func TestInsertMaintainsIndexAndDeleteRemovesIt(t *testing.T) {
	ctx, table := newTestContext(t, transaction.RepeatableRead)

	cat := ctx.Catalog
	idx, err := cat.CreateIndex("users", "idx_name", []int{1}, false)
	if err != nil {
		t.Fatal(err)
	}
	table, err = cat.GetTable("users")
	if err != nil {
		t.Fatal(err)
	}

	insertRows(t, ctx, table, []Tuple{{[]byte("1"), []byte("alice")}})

	scan := &IndexScan{Ctx: ctx, Table: table, Index: idx}
	scanExec, err := scan.Init()
	if err != nil {
		t.Fatal(err)
	}
	row, rid, ok, err := scanExec.Next()
	if err != nil || !ok {
		t.Fatalf("index scan after insert: ok=%v err=%v", ok, err)
	}
	if string(row[1]) != "alice" {
		t.Fatalf("index scan returned %v", row)
	}

	// Delete's child must hand back the RID it wants tombstoned, so replay
	// the row and RID the index scan just produced.
	del := &Delete{Ctx: ctx, Table: table, Source: &ridSource{row: row, rid: rid}}
	delExec, err := del.Init()
	if err != nil {
		t.Fatal(err)
	}
	if err := delExec.Init(); err != nil {
		t.Fatal(err)
	}
	if _, _, ok, err := delExec.Next(); err != nil || ok {
		t.Fatalf("delete returns no visible tuples: ok=%v err=%v", ok, err)
	}

	scan2 := &IndexScan{Ctx: ctx, Table: table, Index: idx}
	scan2Exec, err := scan2.Init()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok, err := scan2Exec.Next(); err != nil || ok {
		t.Fatalf("expected the index entry to be gone after delete, ok=%v err=%v", ok, err)
	}
}

// ridSource replays a single (tuple, rid) pair, letting a test drive a
// mutation executor against a row obtained from an earlier scan.
type ridSource struct {
	row  Tuple
	rid  RID
	done bool
}

func (s *ridSource) Init() error              { return nil }
func (s *ridSource) GetOutputSchema() *Schema { return &Schema{} }
func (s *ridSource) Next() (Tuple, RID, bool, error) {
	if s.done {
		return nil, RID{}, false, nil
	}
	s.done = true
	return s.row, s.rid, true, nil
}

func TestUpdateRewritesHeapAndIndex(t *testing.T) {
	ctx, table := newTestContext(t, transaction.RepeatableRead)
	insertRows(t, ctx, table, []Tuple{{[]byte("1"), []byte("alice")}})

	ss := &SeqScan{Ctx: ctx, Table: table}
	scanExec, err := ss.Init()
	if err != nil {
		t.Fatal(err)
	}
	row, rid, ok, err := scanExec.Next()
	if err != nil || !ok {
		t.Fatalf("scan: ok=%v err=%v", ok, err)
	}

	upd := &Update{
		Ctx:    ctx,
		Table:  table,
		Source: &ridSource{row: row, rid: rid},
		NewValues: func(t Tuple) Tuple {
			return Tuple{t[0], []byte("alicia")}
		},
	}
	updExec, err := upd.Init()
	if err != nil {
		t.Fatal(err)
	}
	if err := updExec.Init(); err != nil {
		t.Fatal(err)
	}
	if _, _, ok, err := updExec.Next(); err != nil || !ok {
		t.Fatalf("update Next: ok=%v err=%v", ok, err)
	}

	ss2 := &SeqScan{Ctx: ctx, Table: table}
	scan2, err := ss2.Init()
	if err != nil {
		t.Fatal(err)
	}
	got, _, ok, err := scan2.Next()
	if err != nil || !ok {
		t.Fatalf("rescan: ok=%v err=%v", ok, err)
	}
	if string(got[1]) != "alicia" {
		t.Fatalf("update did not take effect, got %v", got)
	}
}

func TestLimitCapsRows(t *testing.T) {
	src := &literalSource{rows: []Tuple{{[]byte("a")}, {[]byte("b")}, {[]byte("c")}}}
	lim := &Limit{Child: src, Count: 2}
	exec, err := lim.Init()
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.Init(); err != nil {
		t.Fatal(err)
	}

	n := 0
	for {
		_, _, ok, err := exec.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		n++
	}
	if n != 2 {
		t.Fatalf("limit 2 yielded %d rows", n)
	}
}

func TestAggregationGroupsAndAppliesHaving(t *testing.T) {
	rows := []Tuple{
		{[]byte("a"), encodeInt64(10)},
		{[]byte("a"), encodeInt64(20)},
		{[]byte("b"), encodeInt64(5)},
	}
	agg := &Aggregation{
		Child:      &literalSource{rows: rows},
		GroupBy:    []int{0},
		Aggregates: []AggregateExpr{{Func: AggSum, Column: 1}},
		Having: func(groupKey Tuple, aggregates []int64) bool {
			return aggregates[0] >= 10
		},
	}
	exec, err := agg.Init()
	if err != nil {
		t.Fatal(err)
	}

	var results []Tuple
	for {
		row, _, ok, err := exec.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		results = append(results, row)
	}

	if len(results) != 1 {
		t.Fatalf("expected HAVING to drop group 'b', got %d groups", len(results))
	}
	if string(results[0][0]) != "a" || decodeInt64(results[0][1]) != 30 {
		t.Fatalf("unexpected surviving group: %v", results[0])
	}
}

func TestNestedLoopJoinMatchesPredicate(t *testing.T) {
	left := &literalSource{rows: []Tuple{{[]byte("1")}, {[]byte("2")}}}
	join := &NestedLoopJoin{
		Outer: left,
		InnerFactory: func() (Executor, error) {
			return &literalSource{rows: []Tuple{{[]byte("1")}, {[]byte("2")}}}, nil
		},
		Cond: func(outer, inner Tuple) bool {
			return string(outer[0]) == string(inner[0])
		},
	}
	exec, err := join.Init()
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.Init(); err != nil {
		t.Fatal(err)
	}

	n := 0
	for {
		row, _, ok, err := exec.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if len(row) != 2 {
			t.Fatalf("expected a concatenated 2-column row, got %v", row)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 matching pairs, got %d", n)
	}
}
