package transaction

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDetectionInterval is the default period between deadlock detection
// cycles.
const DefaultDetectionInterval = 50 * time.Millisecond

// DeadlockDetector is the dedicated background worker that periodically
// rebuilds the lock manager's waits-for graph and aborts a victim out of
// every cycle it finds. It has two states, enabled and disabled; while
// enabled it sleeps for the detection interval between cycles.
//
// The detector never holds the lock table latch while performing a victim's
// user-visible abort work: it only flips the transaction's state to ABORTED
// and broadcasts the queue the victim is waiting on. The waiter discovers
// the state change on its own next wake and cleans up its own queue entry.
type DeadlockDetector struct {
	lm       *LockManager
	tm       *TransactionManager
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	enabled bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDeadlockDetector creates a detector over lm using tm to resolve
// transaction ids to their current state. Victim selections are logged
// through the global zerolog logger, tagged per cycle with a fresh
// correlation id so repeated cycles in a test run or server log are easy to
// tell apart.
func NewDeadlockDetector(lm *LockManager, tm *TransactionManager, interval time.Duration) *DeadlockDetector {
	if interval <= 0 {
		interval = DefaultDetectionInterval
	}
	return &DeadlockDetector{lm: lm, tm: tm, interval: interval, logger: log.Logger}
}

// SetLogger overrides the detector's logger, e.g. to silence it in tests or
// to attach server-wide fields (node id, shard).
func (d *DeadlockDetector) SetLogger(logger zerolog.Logger) {
	d.logger = logger
}

// Enable starts the background detection loop. It is a no-op if already enabled.
func (d *DeadlockDetector) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled {
		return
	}
	d.enabled = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.run(d.stopCh, d.doneCh)
}

// Disable stops the background detection loop and waits for it to exit. It
// is a no-op if already disabled.
func (d *DeadlockDetector) Disable() {
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return
	}
	d.enabled = false
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (d *DeadlockDetector) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			d.RunCycleDetection()
		}
	}
}

// RunCycleDetection performs exactly one detection cycle: rebuild the
// waits-for graph from the current lock table, then repeatedly find and
// abort a cycle's highest-id participant until the graph is acyclic. It is
// exported so tests can drive detection deterministically instead of
// waiting on the ticker.
func (d *DeadlockDetector) RunCycleDetection() {
	cycleID := uuid.NewString()

	d.lm.latch.Lock()
	defer d.lm.latch.Unlock()

	d.rebuildWaitsForGraphLocked()

	for {
		victim, found := d.lm.hasCycleLocked()
		if !found {
			return
		}
		d.abortVictimLocked(cycleID, victim)
	}
}

// rebuildWaitsForGraphLocked clears and repopulates the waits-for graph from
// the lock table. Every waiter waits on every granted holder for that key;
// a queue with an in-flight upgrade additionally gets edges from every other
// granted holder to the upgrader (largely redundant with the first rule,
// since the upgrader's own request is itself in the waiting partition, but
// kept to mirror the two-rule description exactly).
func (d *DeadlockDetector) rebuildWaitsForGraphLocked() {
	d.lm.waitsFor = make(map[TransactionID][]TransactionID)

	for _, queue := range d.lm.lockTable {
		var granted, waiting []TransactionID
		for _, r := range queue.requests {
			if txn, ok := d.tm.GetTransaction(r.txnID); ok && txn.State() == StateAborted {
				continue
			}
			if r.granted {
				granted = append(granted, r.txnID)
			} else {
				waiting = append(waiting, r.txnID)
			}
		}

		for _, g := range granted {
			for _, w := range waiting {
				d.lm.addEdgeLocked(g, w)
			}
		}

		if queue.upgrading {
			for _, g := range granted {
				if g != queue.upgradingTxnID {
					d.lm.addEdgeLocked(g, queue.upgradingTxnID)
				}
			}
		}
	}
}

// abortVictimLocked marks victim ABORTED, wakes every queue it is waiting
// on, and removes it from the graph. Called with the latch held.
func (d *DeadlockDetector) abortVictimLocked(cycleID string, victim TransactionID) {
	if txn, ok := d.tm.GetTransaction(victim); ok {
		txn.SetState(StateAborted)
	}

	d.logger.Warn().
		Str("cycle_id", cycleID).
		Uint64("victim_txn_id", uint64(victim)).
		Msg("deadlock detector aborted victim transaction")

	for _, queue := range d.lm.lockTable {
		for _, r := range queue.requests {
			if r.txnID == victim && !r.granted {
				queue.cond.Broadcast()
				break
			}
		}
	}

	delete(d.lm.waitsFor, victim)
	for from, adj := range d.lm.waitsFor {
		for i, to := range adj {
			if to == victim {
				d.lm.waitsFor[from] = append(adj[:i], adj[i+1:]...)
				break
			}
		}
	}
}
