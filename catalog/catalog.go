// Package catalog tracks table and index definitions: the schema metadata
// the executor pipeline consults to find a table's heap, a secondary
// index's B+ tree, and the column layout backing both.
package catalog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Johniel/gorelly/btree"
	"github.com/Johniel/gorelly/buffer"
	"github.com/Johniel/gorelly/disk"
	"github.com/Johniel/gorelly/heap"
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrTableExists   = errors.New("table already exists")
	ErrIndexNotFound = errors.New("index not found")
	ErrIndexExists   = errors.New("index already exists")
)

type ColumnType int

const (
	ColumnTypeInt ColumnType = iota
	ColumnTypeVarchar
	ColumnTypeBlob
)

func (ct ColumnType) String() string {
	switch ct {
	case ColumnTypeInt:
		return "INT"
	case ColumnTypeVarchar:
		return "VARCHAR"
	case ColumnTypeBlob:
		return "BLOB"
	default:
		return "UNKNOWN"
	}
}

type ColumnDef struct {
	Name         string
	Type         ColumnType
	Size         int
	Nullable     bool
	IsPrimaryKey bool
}

// TableSchema describes one table: its column layout and the heap page
// chain holding its rows. Row storage is a heap, not a B+ tree, so a
// SeqScan walks it in physical (RID) order rather than key order.
type TableSchema struct {
	TableID     uint32
	TableName   string
	FirstPageID disk.PageID
	Columns     []ColumnDef
	Indexes     []*IndexDef
}

// IndexDef describes a secondary index: a B+ tree mapping an encoded
// index-key tuple to the owning row's RID.
type IndexDef struct {
	IndexID       uint32
	IndexName     string
	TableID       uint32
	MetaPageID    disk.PageID
	IsUnique      bool
	ColumnIndices []int
}

// CatalogManager is an in-memory registry of table and index schemas. It
// does not persist itself: a fresh process rebuilds the catalog by
// replaying DDL, matching this educational engine's lack of a system
// catalog table reader/writer.
type CatalogManager struct {
	bufmgr *buffer.BufferPoolManager

	nextTableID uint32
	nextIndexID uint32

	tables map[string]*TableSchema
	heaps  map[uint32]*heap.TableHeap
	mu     sync.RWMutex
}

func NewCatalogManager(bufmgr *buffer.BufferPoolManager) *CatalogManager {
	return &CatalogManager{
		bufmgr:      bufmgr,
		nextTableID: 1,
		nextIndexID: 1,
		tables:      make(map[string]*TableSchema),
		heaps:       make(map[uint32]*heap.TableHeap),
	}
}

// CreateTable allocates a fresh table heap and registers its schema.
func (cm *CatalogManager) CreateTable(tableName string, columns []ColumnDef) (*TableSchema, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.tables[tableName]; exists {
		return nil, ErrTableExists
	}

	th, err := heap.NewTableHeap(cm.bufmgr)
	if err != nil {
		return nil, fmt.Errorf("failed to create table heap: %w", err)
	}

	tableID := cm.nextTableID
	cm.nextTableID++

	schema := &TableSchema{
		TableID:     tableID,
		TableName:   tableName,
		FirstPageID: th.FirstPageID(),
		Columns:     columns,
	}

	cm.tables[tableName] = schema
	cm.heaps[tableID] = th
	return schema, nil
}

// GetTable looks up a table's schema by name.
func (cm *CatalogManager) GetTable(tableName string) (*TableSchema, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	schema, ok := cm.tables[tableName]
	if !ok {
		return nil, ErrTableNotFound
	}
	return schema, nil
}

// GetTableSchemaByID looks up a table's schema by id, used where only the
// id is on hand (e.g. undoing a write-record logged by id).
func (cm *CatalogManager) GetTableSchemaByID(tableID uint32) (*TableSchema, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, schema := range cm.tables {
		if schema.TableID == tableID {
			return schema, nil
		}
	}
	return nil, ErrTableNotFound
}

// GetTableHeap returns the live TableHeap handle backing a table, reattaching
// to its page chain if this is the first lookup since process start.
func (cm *CatalogManager) GetTableHeap(tableID uint32) (*heap.TableHeap, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if th, ok := cm.heaps[tableID]; ok {
		return th, nil
	}
	for _, schema := range cm.tables {
		if schema.TableID == tableID {
			th := heap.OpenTableHeap(cm.bufmgr, schema.FirstPageID)
			cm.heaps[tableID] = th
			return th, nil
		}
	}
	return nil, ErrTableNotFound
}

// CreateIndex builds a fresh, empty B+ tree and registers it against the
// named table's schema.
func (cm *CatalogManager) CreateIndex(tableName, indexName string, columnIndices []int, isUnique bool) (*IndexDef, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	schema, ok := cm.tables[tableName]
	if !ok {
		return nil, ErrTableNotFound
	}
	for _, idx := range schema.Indexes {
		if idx.IndexName == indexName {
			return nil, ErrIndexExists
		}
	}

	bt, err := btree.CreateBTree(cm.bufmgr)
	if err != nil {
		return nil, fmt.Errorf("failed to create index B+ tree: %w", err)
	}

	indexID := cm.nextIndexID
	cm.nextIndexID++

	idxDef := &IndexDef{
		IndexID:       indexID,
		IndexName:     indexName,
		TableID:       schema.TableID,
		MetaPageID:    bt.MetaPageID,
		IsUnique:      isUnique,
		ColumnIndices: columnIndices,
	}
	schema.Indexes = append(schema.Indexes, idxDef)
	return idxDef, nil
}

// GetIndex looks up one of a table's secondary indexes by name.
func (cm *CatalogManager) GetIndex(tableName, indexName string) (*IndexDef, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	schema, ok := cm.tables[tableName]
	if !ok {
		return nil, ErrTableNotFound
	}
	for _, idx := range schema.Indexes {
		if idx.IndexName == indexName {
			return idx, nil
		}
	}
	return nil, ErrIndexNotFound
}
