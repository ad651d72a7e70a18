// Package transaction implements strict two-phase locking at tuple
// granularity: transaction bookkeeping, a lock manager with a single global
// lock table latch, and a background deadlock detector over the resulting
// waits-for graph.
package transaction

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Johniel/gorelly/disk"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrTransactionNotActive is returned when an operation is attempted on a non-active transaction.
	ErrTransactionNotActive = errors.New("transaction is not active")
	// ErrTransactionAlreadyCommitted is returned when attempting to commit an already committed transaction.
	ErrTransactionAlreadyCommitted = errors.New("transaction already committed")
	// ErrTransactionAlreadyAborted is returned when attempting to abort an already aborted transaction.
	ErrTransactionAlreadyAborted = errors.New("transaction already aborted")
)

// IsolationLevel selects how aggressively a transaction holds its shared locks.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

func (lv IsolationLevel) String() string {
	switch lv {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	default:
		return "UNKNOWN"
	}
}

// State is the strict-2PL phase of a transaction, plus its two terminal
// states. It is read and written across goroutines (by the owning worker
// and by the deadlock detector), so it lives behind atomic.Int32 rather
// than the transaction's own mutex.
type State int32

const (
	StateGrowing State = iota
	StateShrinking
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateGrowing:
		return "GROWING"
	case StateShrinking:
		return "SHRINKING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// TransactionID uniquely identifies a transaction.
type TransactionID uint64

// RID is a row identifier: an opaque, comparable (page, slot) pair and the
// unit of locking throughout the lock manager.
type RID struct {
	PageID disk.PageID
	SlotID int
}

// WriteRecordType classifies an entry in a transaction's write-record log.
type WriteRecordType int

const (
	WriteRecordInsert WriteRecordType = iota
	WriteRecordDelete
	WriteRecordUpdate
	WriteRecordIndexInsert
	WriteRecordIndexDelete
)

// WriteRecord captures enough information to undo a single heap or index
// mutation during rollback: which table/index, which row, and (for deletes
// and updates) the prior tuple contents.
type WriteRecord struct {
	Type     WriteRecordType
	TableID  uint32
	RID      RID
	OldTuple [][]byte
	IndexID  uint32
	Key      []byte
}

// Transaction tracks one unit of work: its isolation level, 2PL phase, the
// two (disjoint) lock sets it currently holds, and the write-record log used
// to undo heap and index mutations on abort.
//
// The lock sets and write log are mutated only by the goroutine driving this
// transaction (the lock manager does so on its behalf, after releasing the
// lock table latch), so a plain mutex protecting them is sufficient; state
// is the one field the detector touches concurrently.
type Transaction struct {
	id             TransactionID
	isolationLevel IsolationLevel
	state          atomic.Int32
	startTime      time.Time

	mu               sync.Mutex
	sharedLockSet    map[RID]struct{}
	exclusiveLockSet map[RID]struct{}
	writeSet         []WriteRecord
}

// NewTransaction creates a new transaction with the given id and isolation level.
func NewTransaction(id TransactionID, isolationLevel IsolationLevel) *Transaction {
	txn := &Transaction{
		id:               id,
		isolationLevel:   isolationLevel,
		startTime:        time.Now(),
		sharedLockSet:    make(map[RID]struct{}),
		exclusiveLockSet: make(map[RID]struct{}),
	}
	txn.state.Store(int32(StateGrowing))
	return txn
}

func (txn *Transaction) ID() TransactionID               { return txn.id }
func (txn *Transaction) IsolationLevel() IsolationLevel   { return txn.isolationLevel }
func (txn *Transaction) StartTime() time.Time             { return txn.startTime }
func (txn *Transaction) State() State                     { return State(txn.state.Load()) }
func (txn *Transaction) SetState(s State)                 { txn.state.Store(int32(s)) }
func (txn *Transaction) IsAborted() bool                  { return txn.State() == StateAborted }
func (txn *Transaction) IsActive() bool {
	s := txn.State()
	return s == StateGrowing || s == StateShrinking
}

// HoldsShared reports whether txn currently holds rid in shared mode.
func (txn *Transaction) HoldsShared(rid RID) bool {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	_, ok := txn.sharedLockSet[rid]
	return ok
}

// HoldsExclusive reports whether txn currently holds rid in exclusive mode.
func (txn *Transaction) HoldsExclusive(rid RID) bool {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	_, ok := txn.exclusiveLockSet[rid]
	return ok
}

func (txn *Transaction) addSharedLock(rid RID) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.sharedLockSet[rid] = struct{}{}
}

func (txn *Transaction) addExclusiveLock(rid RID) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.exclusiveLockSet[rid] = struct{}{}
}

func (txn *Transaction) removeSharedLock(rid RID) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	delete(txn.sharedLockSet, rid)
}

func (txn *Transaction) removeExclusiveLock(rid RID) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	delete(txn.exclusiveLockSet, rid)
}

// upgradeLock moves rid from the shared set to the exclusive set. The two
// sets stay disjoint: a key is never a member of both.
func (txn *Transaction) upgradeLock(rid RID) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	delete(txn.sharedLockSet, rid)
	txn.exclusiveLockSet[rid] = struct{}{}
}

// SharedLockSet returns a snapshot of the keys currently held in shared mode.
func (txn *Transaction) SharedLockSet() []RID {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	out := make([]RID, 0, len(txn.sharedLockSet))
	for rid := range txn.sharedLockSet {
		out = append(out, rid)
	}
	return out
}

// ExclusiveLockSet returns a snapshot of the keys currently held exclusively.
func (txn *Transaction) ExclusiveLockSet() []RID {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	out := make([]RID, 0, len(txn.exclusiveLockSet))
	for rid := range txn.exclusiveLockSet {
		out = append(out, rid)
	}
	return out
}

// AppendWrite records an undo-capable write so that abort can roll the heap
// and its indexes back to their pre-transaction contents.
func (txn *Transaction) AppendWrite(rec WriteRecord) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.writeSet = append(txn.writeSet, rec)
}

// WriteSet returns the write-record log in append order.
func (txn *Transaction) WriteSet() []WriteRecord {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	out := make([]WriteRecord, len(txn.writeSet))
	copy(out, txn.writeSet)
	return out
}

// TransactionManager creates and tracks transactions, and coordinates the
// log manager, lock manager, and recovery manager at commit/abort time.
type TransactionManager struct {
	nextTxnID       TransactionID
	activeTxns      map[TransactionID]*Transaction
	logManager      *LogManager
	lockManager     *LockManager
	recoveryManager *RecoveryManager
	logger          zerolog.Logger
	mu              sync.RWMutex
}

// NewTransactionManager creates a transaction manager with no write-ahead
// logging, locking, or recovery support (useful for lock-manager-only tests).
func NewTransactionManager() *TransactionManager {
	return &TransactionManager{
		nextTxnID:  1,
		activeTxns: make(map[TransactionID]*Transaction),
		logger:     log.Logger,
	}
}

// NewTransactionManagerWithManagers wires up WAL logging, lock management,
// and rollback support. Any of the three may be nil to disable that concern.
func NewTransactionManagerWithManagers(logManager *LogManager, lockManager *LockManager, recoveryManager *RecoveryManager) *TransactionManager {
	return &TransactionManager{
		nextTxnID:       1,
		activeTxns:      make(map[TransactionID]*Transaction),
		logManager:      logManager,
		lockManager:     lockManager,
		recoveryManager: recoveryManager,
		logger:          log.Logger,
	}
}

// SetManagers attaches or replaces the log/lock/recovery managers after construction.
func (tm *TransactionManager) SetManagers(logManager *LogManager, lockManager *LockManager, recoveryManager *RecoveryManager) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.logManager = logManager
	tm.lockManager = lockManager
	tm.recoveryManager = recoveryManager
}

// SetLogger overrides the manager's structured logger.
func (tm *TransactionManager) SetLogger(logger zerolog.Logger) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.logger = logger
}

// Begin starts a new transaction at the given isolation level.
func (tm *TransactionManager) Begin(isolationLevel IsolationLevel) *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	txnID := tm.nextTxnID
	tm.nextTxnID++

	txn := NewTransaction(txnID, isolationLevel)
	tm.activeTxns[txnID] = txn

	if tm.logManager != nil {
		_ = tm.logManager.AppendLog(&LogRecord{Type: LogRecordTypeBegin, TxnID: txnID})
	}

	tm.logger.Debug().
		Uint64("txn_id", uint64(txnID)).
		Str("isolation_level", isolationLevel.String()).
		Msg("transaction begin")

	return txn
}

// Commit finalizes a transaction: logs the commit, releases every held
// lock, and removes it from the active set.
func (tm *TransactionManager) Commit(txn *Transaction) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if txn.State() == StateAborted {
		return ErrTransactionAlreadyAborted
	}
	if txn.State() == StateCommitted {
		return ErrTransactionAlreadyCommitted
	}

	if tm.logManager != nil {
		if err := tm.logManager.AppendLog(&LogRecord{Type: LogRecordTypeCommit, TxnID: txn.ID()}); err != nil {
			return err
		}
		if err := tm.logManager.Flush(); err != nil {
			return err
		}
	}

	if tm.lockManager != nil {
		tm.lockManager.UnlockAll(txn)
	}

	txn.SetState(StateCommitted)
	delete(tm.activeTxns, txn.ID())
	tm.logger.Debug().Uint64("txn_id", uint64(txn.ID())).Msg("transaction commit")
	return nil
}

// Abort rolls a transaction back, logs the abort, releases every held lock,
// and removes it from the active set. Safe to call on a transaction the
// deadlock detector already marked ABORTED.
func (tm *TransactionManager) Abort(txn *Transaction) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if txn.State() == StateCommitted {
		return ErrTransactionAlreadyCommitted
	}
	txn.SetState(StateAborted)

	if tm.recoveryManager != nil {
		_ = tm.recoveryManager.Rollback(txn)
	}

	if tm.logManager != nil {
		_ = tm.logManager.AppendLog(&LogRecord{Type: LogRecordTypeAbort, TxnID: txn.ID()})
	}

	if tm.lockManager != nil {
		tm.lockManager.UnlockAll(txn)
	}

	delete(tm.activeTxns, txn.ID())
	tm.logger.Debug().Uint64("txn_id", uint64(txn.ID())).Msg("transaction abort")
	return nil
}

// GetTransaction retrieves a transaction by id. The lock manager and
// deadlock detector hold transactions only by id plus this lookup, never by
// shared ownership.
func (tm *TransactionManager) GetTransaction(txnID TransactionID) (*Transaction, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	txn, ok := tm.activeTxns[txnID]
	return txn, ok
}
