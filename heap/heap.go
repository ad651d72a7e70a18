package heap

import (
	"errors"

	"github.com/Johniel/gorelly/buffer"
	"github.com/Johniel/gorelly/disk"
	"github.com/Johniel/gorelly/transaction"
)

var (
	// ErrTupleNotFound is returned when a RID does not resolve to a live tuple.
	ErrTupleNotFound = errors.New("tuple not found")
	// ErrRecordTooLarge is returned when a tuple does not fit a single page.
	ErrRecordTooLarge = errors.New("tuple too large for a heap page")
)

// RID identifies a row by (page, slot), matching the key type the lock
// manager arbitrates over.
type RID = transaction.RID

// TableHeap is an append-mostly chain of heap pages holding a table's rows.
// It tracks the tail page so sequential inserts avoid walking the whole
// chain; the chain itself, not the cached tail, is the source of truth.
type TableHeap struct {
	bufmgr      *buffer.BufferPoolManager
	firstPageID disk.PageID
	lastPageID  disk.PageID
}

// NewTableHeap allocates a fresh, empty table heap.
func NewTableHeap(bufmgr *buffer.BufferPoolManager) (*TableHeap, error) {
	buf, err := bufmgr.CreateBuffer()
	if err != nil {
		return nil, err
	}
	page := NewPage(buf.Page[:])
	page.Initialize()
	buf.IsDirty = true

	return &TableHeap{
		bufmgr:      bufmgr,
		firstPageID: buf.PageID,
		lastPageID:  buf.PageID,
	}, nil
}

// OpenTableHeap reattaches to a table heap previously created at firstPageID
// (as recorded by the catalog). The tail is discovered lazily on first
// insert.
func OpenTableHeap(bufmgr *buffer.BufferPoolManager, firstPageID disk.PageID) *TableHeap {
	return &TableHeap{
		bufmgr:      bufmgr,
		firstPageID: firstPageID,
		lastPageID:  firstPageID,
	}
}

// FirstPageID is the head of the page chain, persisted by the catalog as the
// table's storage handle.
func (th *TableHeap) FirstPageID() disk.PageID {
	return th.firstPageID
}

// InsertTuple appends data as a new row and returns its RID.
func (th *TableHeap) InsertTuple(data []byte) (RID, error) {
	pageID := th.lastPageID
	for {
		buf, err := th.bufmgr.FetchBuffer(pageID)
		if err != nil {
			return RID{}, err
		}
		page := NewPage(buf.Page[:])

		if slotID, ok := page.Insert(data); ok {
			buf.IsDirty = true
			th.lastPageID = pageID
			return RID{PageID: pageID, SlotID: slotID}, nil
		}

		next := page.NextPageID()
		if next.Valid() {
			pageID = next
			continue
		}

		newBuf, err := th.bufmgr.CreateBuffer()
		if err != nil {
			return RID{}, err
		}
		newPage := NewPage(newBuf.Page[:])
		newPage.Initialize()
		newBuf.IsDirty = true

		page.SetNextPageID(newBuf.PageID)
		buf.IsDirty = true
		pageID = newBuf.PageID
	}
}

// GetTuple resolves a RID to its current tuple bytes. It fails with
// ErrTupleNotFound if the row was deleted or the slot never existed.
func (th *TableHeap) GetTuple(rid RID) ([]byte, error) {
	buf, err := th.bufmgr.FetchBuffer(rid.PageID)
	if err != nil {
		return nil, err
	}
	page := NewPage(buf.Page[:])
	data, ok := page.Get(rid.SlotID)
	if !ok {
		return nil, ErrTupleNotFound
	}
	return data, nil
}

// MarkDelete tombstones a row; physical removal is deferred indefinitely,
// matching the spec's "physical removal is deferred" note.
func (th *TableHeap) MarkDelete(rid RID) error {
	buf, err := th.bufmgr.FetchBuffer(rid.PageID)
	if err != nil {
		return err
	}
	page := NewPage(buf.Page[:])
	if !page.MarkDelete(rid.SlotID) {
		return ErrTupleNotFound
	}
	buf.IsDirty = true
	return nil
}

// Undelete clears a row's tombstone, restoring it after MarkDelete. Used to
// undo a transaction's delete when it aborts.
func (th *TableHeap) Undelete(rid RID) error {
	buf, err := th.bufmgr.FetchBuffer(rid.PageID)
	if err != nil {
		return err
	}
	page := NewPage(buf.Page[:])
	if !page.UnmarkDelete(rid.SlotID) {
		return ErrTupleNotFound
	}
	buf.IsDirty = true
	return nil
}

// UpdateTuple overwrites the row in place. It returns ErrRecordTooLarge if
// the new encoding no longer fits on the page the row already lives on;
// callers in that situation must delete and reinsert instead.
func (th *TableHeap) UpdateTuple(rid RID, data []byte) error {
	buf, err := th.bufmgr.FetchBuffer(rid.PageID)
	if err != nil {
		return err
	}
	page := NewPage(buf.Page[:])
	if !page.Update(rid.SlotID, data) {
		return ErrRecordTooLarge
	}
	buf.IsDirty = true
	return nil
}

// Iterator walks a table heap in RID order, skipping tombstoned slots.
type Iterator struct {
	th     *TableHeap
	pageID disk.PageID
	slotID int
}

// Begin returns an iterator positioned before the first row.
func (th *TableHeap) Begin() *Iterator {
	return &Iterator{th: th, pageID: th.firstPageID, slotID: 0}
}

// Next returns the next live row, or ok=false once the chain is exhausted.
func (it *Iterator) Next() (RID, []byte, bool, error) {
	for it.pageID.Valid() {
		buf, err := it.th.bufmgr.FetchBuffer(it.pageID)
		if err != nil {
			return RID{}, nil, false, err
		}
		page := NewPage(buf.Page[:])

		for it.slotID < page.NumSlots() {
			slotID := it.slotID
			it.slotID++
			if data, ok := page.Get(slotID); ok {
				return RID{PageID: it.pageID, SlotID: slotID}, data, true, nil
			}
		}

		it.pageID = page.NextPageID()
		it.slotID = 0
	}
	return RID{}, nil, false, nil
}
