// Package executor implements the iterator-model query execution pipeline:
// a tree of executors, each pulling tuples from its children one at a time
// via Next, with scans and writers acquiring tuple-granularity locks through
// the transaction package as they go.
package executor

import (
	"github.com/Johniel/gorelly/buffer"
	"github.com/Johniel/gorelly/catalog"
	"github.com/Johniel/gorelly/transaction"
)

// Tuple is a database record as a slice of column-value byte slices.
type Tuple = [][]byte

// RID identifies a row by (page, slot).
type RID = transaction.RID

// Schema describes the column layout an executor produces.
type Schema struct {
	Columns []catalog.ColumnDef
}

// Executor is one node of a query execution plan. Init prepares the node
// (opening scans, priming child iterators); Next pulls the next row.
// Next returns ok=false, err=nil once the executor is exhausted.
type Executor interface {
	Init() error
	Next() (Tuple, RID, bool, error)
	GetOutputSchema() *Schema
}

// Context is the shared state every executor in a plan tree is built
// against: the buffer pool, the owning transaction, the lock manager
// arbitrating tuple access, and the catalog resolving table/index names to
// their storage handles.
type Context struct {
	Bufmgr      *buffer.BufferPoolManager
	Txn         *transaction.Transaction
	LockManager *transaction.LockManager
	Catalog     *catalog.CatalogManager
}

// lockForRead acquires a shared lock on rid according to the transaction's
// isolation level. READ_UNCOMMITTED takes no lock, and no level takes one
// on a row the transaction already holds exclusively. Otherwise
// READ_COMMITTED and REPEATABLE_READ both take a shared lock here; the
// caller releases it immediately after reading under READ_COMMITTED (see
// unlockAfterRead).
func (c *Context) lockForRead(rid RID) error {
	if c.Txn.IsolationLevel() == transaction.ReadUncommitted {
		return nil
	}
	if c.Txn.HoldsExclusive(rid) {
		return nil
	}
	return c.LockManager.LockShared(c.Txn, rid)
}

// unlockAfterRead releases the shared lock taken by lockForRead when the
// transaction is READ_COMMITTED, so it never holds shared locks past the
// statement that acquired them. REPEATABLE_READ holds the lock until commit.
// An exclusive lock on rid is left in place.
func (c *Context) unlockAfterRead(rid RID) error {
	if c.Txn.IsolationLevel() != transaction.ReadCommitted {
		return nil
	}
	if !c.Txn.HoldsShared(rid) {
		return nil
	}
	return c.LockManager.Unlock(c.Txn, rid)
}

// lockForWrite acquires (or upgrades to) an exclusive lock on rid, as
// required before any Insert/Delete/Update touches it.
func (c *Context) lockForWrite(rid RID) error {
	if c.Txn.HoldsExclusive(rid) {
		return nil
	}
	if c.Txn.HoldsShared(rid) {
		return c.LockManager.LockUpgrade(c.Txn, rid)
	}
	return c.LockManager.LockExclusive(c.Txn, rid)
}
