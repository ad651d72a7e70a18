package executor

import (
	"encoding/binary"

	"github.com/Johniel/gorelly/btree"
	"github.com/Johniel/gorelly/catalog"
	"github.com/Johniel/gorelly/disk"
	"github.com/Johniel/gorelly/heap"
	"github.com/Johniel/gorelly/tuple"
)

// encodeRID packs a RID into the fixed-width value an index entry points at.
func encodeRID(rid RID) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[0:8], uint64(rid.PageID))
	binary.BigEndian.PutUint32(b[8:12], uint32(rid.SlotID))
	return b
}

func decodeRID(b []byte) RID {
	return RID{
		PageID: disk.PageID(binary.BigEndian.Uint64(b[0:8])),
		SlotID: int(binary.BigEndian.Uint32(b[8:12])),
	}
}

// SeqScan walks every live row of a table's heap in physical order,
// acquiring a lock per row per the transaction's isolation level.
type SeqScan struct {
	Ctx   *Context
	Table *catalog.TableSchema
}

func (ss *SeqScan) Init() (*SeqScanExecutor, error) {
	th, err := ss.Ctx.Catalog.GetTableHeap(ss.Table.TableID)
	if err != nil {
		return nil, err
	}
	return &SeqScanExecutor{
		ctx:    ss.Ctx,
		schema: &Schema{Columns: ss.Table.Columns},
		it:     th.Begin(),
	}, nil
}

// SeqScanExecutor is the running instance of a SeqScan.
type SeqScanExecutor struct {
	ctx    *Context
	schema *Schema
	it     *heap.Iterator
}

func (e *SeqScanExecutor) GetOutputSchema() *Schema { return e.schema }

func (e *SeqScanExecutor) Init() error { return nil }

func (e *SeqScanExecutor) Next() (Tuple, RID, bool, error) {
	for {
		rid, data, ok, err := e.it.Next()
		if err != nil {
			return nil, RID{}, false, err
		}
		if !ok {
			return nil, RID{}, false, nil
		}

		if err := e.ctx.lockForRead(rid); err != nil {
			return nil, RID{}, false, err
		}

		var t Tuple
		tuple.Decode(data, &t)

		if err := e.ctx.unlockAfterRead(rid); err != nil {
			return nil, RID{}, false, err
		}

		return t, rid, true, nil
	}
}

// IndexScan walks a secondary index's B+ tree in key order, starting either
// from the beginning or from a specific key, and fetches the matching row
// from the table heap for each index entry. It does not acquire locks: a
// read-only index scan is assumed to run under a read-only transaction in
// this tier.
type IndexScan struct {
	Ctx        *Context
	Table      *catalog.TableSchema
	Index      *catalog.IndexDef
	StartKey   []byte // nil means start from the beginning
	SearchOnly bool   // true restricts the scan to the single matching key
}

func (is *IndexScan) Init() (*IndexScanExecutor, error) {
	th, err := is.Ctx.Catalog.GetTableHeap(is.Table.TableID)
	if err != nil {
		return nil, err
	}

	bt := btree.NewBTree(is.Index.MetaPageID)
	mode := btree.NewSearchModeStart()
	if is.StartKey != nil {
		mode = btree.NewSearchModeKey(is.StartKey)
	}
	it, err := bt.Search(is.Ctx.Bufmgr, mode)
	if err != nil {
		return nil, err
	}

	return &IndexScanExecutor{
		ctx:        is.Ctx,
		schema:     &Schema{Columns: is.Table.Columns},
		th:         th,
		it:         it,
		startKey:   is.StartKey,
		searchOnly: is.SearchOnly,
	}, nil
}

// IndexScanExecutor is the running instance of an IndexScan.
type IndexScanExecutor struct {
	ctx        *Context
	schema     *Schema
	th         *heap.TableHeap
	it         *btree.Iter
	startKey   []byte
	searchOnly bool
	done       bool
}

func (e *IndexScanExecutor) GetOutputSchema() *Schema { return e.schema }

func (e *IndexScanExecutor) Init() error { return nil }

func (e *IndexScanExecutor) Next() (Tuple, RID, bool, error) {
	for {
		if e.done {
			return nil, RID{}, false, nil
		}

		keyBytes, valueBytes, ok, err := e.it.Next(e.ctx.Bufmgr)
		if err != nil {
			return nil, RID{}, false, err
		}
		if !ok {
			e.done = true
			return nil, RID{}, false, nil
		}
		if e.searchOnly && !bytesEqual(keyBytes, e.startKey) {
			e.done = true
			return nil, RID{}, false, nil
		}

		rid := decodeRID(valueBytes)

		data, err := e.th.GetTuple(rid)
		if err != nil {
			if err == heap.ErrTupleNotFound {
				continue
			}
			return nil, RID{}, false, err
		}

		var t Tuple
		tuple.Decode(data, &t)

		return t, rid, true, nil
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
