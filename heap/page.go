// Package heap provides the table heap: the page-organized, RID-addressable
// tuple storage that sits beneath the executor pipeline. A table heap is a
// singly-linked chain of slotted pages; each slot holds a tombstone byte
// followed by an encoded tuple, so MarkDelete can logically remove a row
// without physically compacting the page.
package heap

import (
	"unsafe"

	"github.com/Johniel/gorelly/disk"
	"github.com/Johniel/gorelly/slotted"
)

// HeaderSize is the size of the heap page header (8 bytes for the next-page link).
const HeaderSize = 8

// Header links one heap page to the next in the chain.
type Header struct {
	NextPageID disk.PageID
}

// Page is a single page of a table heap: a slotted page whose records carry
// a one-byte tombstone ahead of the encoded tuple.
type Page struct {
	header *Header
	body   *slotted.Slotted
}

// NewPage wraps a raw page buffer as a heap page.
func NewPage(bytes []byte) *Page {
	if len(bytes) < HeaderSize {
		panic("heap page header must fit")
	}
	header := (*Header)(unsafe.Pointer(&bytes[0]))
	return &Page{
		header: header,
		body:   slotted.NewSlotted(bytes[HeaderSize:]),
	}
}

// Initialize resets the page to an empty page with no successor.
func (p *Page) Initialize() {
	p.header.NextPageID = disk.InvalidPageID
	p.body.Initialize()
}

func (p *Page) NextPageID() disk.PageID {
	return p.header.NextPageID
}

func (p *Page) SetNextPageID(pageID disk.PageID) {
	p.header.NextPageID = pageID
}

// NumSlots is the number of slots ever allocated on this page, including
// slots whose record has since been tombstoned.
func (p *Page) NumSlots() int {
	return p.body.NumSlots()
}

// Insert appends a tuple to the page and returns its slot id, or false if
// the page has no room left.
func (p *Page) Insert(data []byte) (int, bool) {
	slotID := p.body.NumSlots()
	record := make([]byte, 1+len(data))
	copy(record[1:], data)
	if !p.body.Insert(slotID, len(record)) {
		return 0, false
	}
	copy(p.body.Data(slotID), record)
	return slotID, true
}

// Get returns the tuple at slotID, or ok=false if the slot is out of range
// or tombstoned.
func (p *Page) Get(slotID int) ([]byte, bool) {
	record := p.body.Data(slotID)
	if len(record) == 0 || record[0] != 0 {
		return nil, false
	}
	data := make([]byte, len(record)-1)
	copy(data, record[1:])
	return data, true
}

// MarkDelete tombstones the slot in place. It is idempotent.
func (p *Page) MarkDelete(slotID int) bool {
	record := p.body.Data(slotID)
	if len(record) == 0 {
		return false
	}
	record[0] = 1
	return true
}

// UnmarkDelete clears a slot's tombstone, restoring a MarkDelete'd row. It is
// used to undo a transaction's delete on abort.
func (p *Page) UnmarkDelete(slotID int) bool {
	record := p.body.Data(slotID)
	if len(record) == 0 {
		return false
	}
	record[0] = 0
	return true
}

// Update overwrites the tuple at slotID in place. It fails (returns false)
// if the slot is tombstoned or the new encoding no longer fits the page.
func (p *Page) Update(slotID int, data []byte) bool {
	record := p.body.Data(slotID)
	if len(record) == 0 || record[0] != 0 {
		return false
	}
	newRecord := make([]byte, 1+len(data))
	copy(newRecord[1:], data)
	if !p.body.Resize(slotID, len(newRecord)) {
		return false
	}
	copy(p.body.Data(slotID), newRecord)
	return true
}
