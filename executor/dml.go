package executor

import (
	"github.com/Johniel/gorelly/btree"
	"github.com/Johniel/gorelly/catalog"
	"github.com/Johniel/gorelly/heap"
	"github.com/Johniel/gorelly/transaction"
	"github.com/Johniel/gorelly/tuple"
)

func indexKey(t Tuple, columnIndices []int) []byte {
	elems := make([][]byte, len(columnIndices))
	for i, col := range columnIndices {
		elems[i] = t[col]
	}
	var key []byte
	tuple.Encode(elems, &key)
	return key
}

func insertIndexEntries(schema *catalog.TableSchema, t Tuple, rid RID, ctx *Context) error {
	for _, idx := range schema.Indexes {
		key := indexKey(t, idx.ColumnIndices)
		bt := btree.NewBTree(idx.MetaPageID)
		if err := bt.Insert(ctx.Bufmgr, key, encodeRID(rid)); err != nil {
			return err
		}
	}
	return nil
}

func deleteIndexEntries(schema *catalog.TableSchema, t Tuple, ctx *Context) error {
	for _, idx := range schema.Indexes {
		key := indexKey(t, idx.ColumnIndices)
		bt := btree.NewBTree(idx.MetaPageID)
		if err := bt.Delete(ctx.Bufmgr, key); err != nil && err != btree.ErrKeyNotFound {
			return err
		}
	}
	return nil
}

// Insert appends each row produced by Source into Table's heap, maintaining
// every secondary index, and logging an undo-capable write record per row.
// Next yields one tuple per inserted row and terminates when Source is
// exhausted.
type Insert struct {
	Ctx    *Context
	Table  *catalog.TableSchema
	Source Executor
}

func (ins *Insert) Init() (*InsertExecutor, error) {
	th, err := ins.Ctx.Catalog.GetTableHeap(ins.Table.TableID)
	if err != nil {
		return nil, err
	}
	return &InsertExecutor{ctx: ins.Ctx, table: ins.Table, source: ins.Source, th: th}, nil
}

type InsertExecutor struct {
	ctx    *Context
	table  *catalog.TableSchema
	source Executor
	th     *heap.TableHeap
}

func (e *InsertExecutor) GetOutputSchema() *Schema { return &Schema{} }
func (e *InsertExecutor) Init() error              { return e.source.Init() }

func (e *InsertExecutor) Next() (Tuple, RID, bool, error) {
	t, _, ok, err := e.source.Next()
	if err != nil || !ok {
		return nil, RID{}, false, err
	}

	data := make([]byte, 0)
	tuple.Encode(t, &data)
	rid, err := e.th.InsertTuple(data)
	if err != nil {
		return nil, RID{}, false, err
	}

	if err := e.ctx.lockForWrite(rid); err != nil {
		return nil, RID{}, false, err
	}
	if err := insertIndexEntries(e.table, t, rid, e.ctx); err != nil {
		return nil, RID{}, false, err
	}
	e.ctx.Txn.AppendWrite(transaction.WriteRecord{
		Type:    transaction.WriteRecordInsert,
		TableID: e.table.TableID,
		RID:     rid,
	})

	return t, rid, true, nil
}

// Delete tombstones every row Source produces, removing it from each
// secondary index and logging an undo-capable write record. Next returns
// no visible tuples: it drains Source to completion internally and always
// reports false.
type Delete struct {
	Ctx    *Context
	Table  *catalog.TableSchema
	Source Executor
}

func (del *Delete) Init() (*DeleteExecutor, error) {
	th, err := del.Ctx.Catalog.GetTableHeap(del.Table.TableID)
	if err != nil {
		return nil, err
	}
	return &DeleteExecutor{ctx: del.Ctx, table: del.Table, source: del.Source, th: th}, nil
}

type DeleteExecutor struct {
	ctx    *Context
	table  *catalog.TableSchema
	source Executor
	th     *heap.TableHeap
	done   bool
}

func (e *DeleteExecutor) GetOutputSchema() *Schema { return &Schema{} }
func (e *DeleteExecutor) Init() error              { return e.source.Init() }

func (e *DeleteExecutor) Next() (Tuple, RID, bool, error) {
	if e.done {
		return nil, RID{}, false, nil
	}
	e.done = true

	for {
		t, rid, ok, err := e.source.Next()
		if err != nil {
			return nil, RID{}, false, err
		}
		if !ok {
			break
		}

		if err := e.ctx.lockForWrite(rid); err != nil {
			return nil, RID{}, false, err
		}
		if err := e.th.MarkDelete(rid); err != nil {
			return nil, RID{}, false, err
		}
		if err := deleteIndexEntries(e.table, t, e.ctx); err != nil {
			return nil, RID{}, false, err
		}
		e.ctx.Txn.AppendWrite(transaction.WriteRecord{
			Type:     transaction.WriteRecordDelete,
			TableID:  e.table.TableID,
			RID:      rid,
			OldTuple: t,
		})
	}

	return nil, RID{}, false, nil
}

// Update overwrites every row Source produces with NewValues(row), keeping
// secondary indexes in sync and logging an undo-capable write record. Next
// returns the updated tuple for each row, one per call.
type Update struct {
	Ctx       *Context
	Table     *catalog.TableSchema
	Source    Executor
	NewValues func(Tuple) Tuple
}

func (upd *Update) Init() (*UpdateExecutor, error) {
	th, err := upd.Ctx.Catalog.GetTableHeap(upd.Table.TableID)
	if err != nil {
		return nil, err
	}
	return &UpdateExecutor{ctx: upd.Ctx, table: upd.Table, source: upd.Source, newValues: upd.NewValues, th: th}, nil
}

type UpdateExecutor struct {
	ctx       *Context
	table     *catalog.TableSchema
	source    Executor
	newValues func(Tuple) Tuple
	th        *heap.TableHeap
}

func (e *UpdateExecutor) GetOutputSchema() *Schema { return &Schema{} }
func (e *UpdateExecutor) Init() error              { return e.source.Init() }

func (e *UpdateExecutor) Next() (Tuple, RID, bool, error) {
	oldTuple, rid, ok, err := e.source.Next()
	if err != nil || !ok {
		return nil, RID{}, false, err
	}

	newTuple := e.newValues(oldTuple)

	if err := e.ctx.lockForWrite(rid); err != nil {
		return nil, RID{}, false, err
	}

	data := make([]byte, 0)
	tuple.Encode(newTuple, &data)
	if err := e.th.UpdateTuple(rid, data); err != nil {
		return nil, RID{}, false, err
	}
	if err := deleteIndexEntries(e.table, oldTuple, e.ctx); err != nil {
		return nil, RID{}, false, err
	}
	if err := insertIndexEntries(e.table, newTuple, rid, e.ctx); err != nil {
		return nil, RID{}, false, err
	}
	e.ctx.Txn.AppendWrite(transaction.WriteRecord{
		Type:     transaction.WriteRecordUpdate,
		TableID:  e.table.TableID,
		RID:      rid,
		OldTuple: oldTuple,
	})

	return newTuple, rid, true, nil
}

// Abort undoes every write txn logged, in reverse order, restoring the
// table heaps and secondary indexes this executor package mutated. It must
// be called before the transaction manager's own Abort releases locks,
// since undoing a delete or update needs the exclusive lock still held.
func Abort(ctx *Context) error {
	writes := ctx.Txn.WriteSet()
	for i := len(writes) - 1; i >= 0; i-- {
		w := writes[i]

		schema, err := ctx.Catalog.GetTableSchemaByID(w.TableID)
		if err != nil {
			return err
		}
		th, err := ctx.Catalog.GetTableHeap(w.TableID)
		if err != nil {
			return err
		}

		switch w.Type {
		case transaction.WriteRecordInsert:
			data, err := th.GetTuple(w.RID)
			if err != nil {
				return err
			}
			var t Tuple
			tuple.Decode(data, &t)
			if err := deleteIndexEntries(schema, t, ctx); err != nil {
				return err
			}
			if err := th.MarkDelete(w.RID); err != nil {
				return err
			}
		case transaction.WriteRecordDelete:
			if err := th.Undelete(w.RID); err != nil {
				return err
			}
			if err := insertIndexEntries(schema, w.OldTuple, w.RID, ctx); err != nil {
				return err
			}
		case transaction.WriteRecordUpdate:
			data, err := th.GetTuple(w.RID)
			if err != nil {
				return err
			}
			var current Tuple
			tuple.Decode(data, &current)

			oldData := make([]byte, 0)
			tuple.Encode(w.OldTuple, &oldData)
			if err := th.UpdateTuple(w.RID, oldData); err != nil {
				return err
			}
			if err := deleteIndexEntries(schema, current, ctx); err != nil {
				return err
			}
			if err := insertIndexEntries(schema, w.OldTuple, w.RID, ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
