package transaction

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// LockMode is the kind of lock a LockRequest asks for.
type LockMode int

const (
	// Shared allows any number of transactions to hold the lock at once.
	Shared LockMode = iota
	// Exclusive allows exactly one transaction to hold the lock.
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// LockRequest is one entry in a LockRequestQueue.
type LockRequest struct {
	txnID   TransactionID
	mode    LockMode
	granted bool
}

// LockRequestQueue is the per-RID state the LockManager maintains: the
// ordered list of requests (granted and waiting), the condition variable
// waiters suspend on, and which transaction (if any) currently holds the
// exclusive right to upgrade on this resource.
type LockRequestQueue struct {
	requests  []*LockRequest
	cond      *sync.Cond
	upgrading TransactionID
}

func newLockRequestQueue(mu *sync.Mutex) *LockRequestQueue {
	return &LockRequestQueue{
		cond:      sync.NewCond(mu),
		upgrading: InvalidTxnID,
	}
}

func (q *LockRequestQueue) find(txnID TransactionID) *LockRequest {
	for _, r := range q.requests {
		if r.txnID == txnID {
			return r
		}
	}
	return nil
}

func (q *LockRequestQueue) removeByTxn(txnID TransactionID) {
	for i, r := range q.requests {
		if r.txnID == txnID {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// LockManager owns the global lock table — one request queue per resource —
// and implements wound-wait shared/exclusive/upgrade acquisition over it.
//
// A single mutex guards the entire table and every queue's request list and
// upgrading field; each queue's condition variable is built on that same
// mutex, so Wait releases it while a goroutine suspends and waiters are only
// ever woken under it.
type LockManager struct {
	mu        sync.Mutex
	lockTable map[RID]*LockRequestQueue
	registry  *Registry
	log       *zap.Logger
}

// NewLockManager creates a LockManager that wounds transactions looked up in
// registry. logger may be nil, in which case diagnostic logging is disabled
// (zap.NewNop() is substituted) — unit tests that don't care about logging
// never need to construct one.
func NewLockManager(registry *Registry, logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		lockTable: make(map[RID]*LockRequestQueue),
		registry:  registry,
		log:       logger,
	}
}

func (lm *LockManager) queueFor(rid RID) *LockRequestQueue {
	q, ok := lm.lockTable[rid]
	if !ok {
		q = newLockRequestQueue(&lm.mu)
		lm.lockTable[rid] = q
	}
	return q
}

// upsert inserts a non-granted request for txnID/mode, or rewrites the
// existing entry for txnID in place if one is already present (an upgrade
// replacing a Shared entry with an Exclusive one, for instance).
func (q *LockRequestQueue) upsert(txnID TransactionID, mode LockMode) {
	if r := q.find(txnID); r != nil {
		r.mode = mode
		r.granted = false
		return
	}
	q.requests = append(q.requests, &LockRequest{txnID: txnID, mode: mode})
}

// LockShared acquires a shared lock on rid for txn, suspending the calling
// goroutine until the lock is granted or txn is aborted (by itself or by a
// wound). It returns true iff the lock was granted. A non-nil error reports
// an invariant violation uncovered along the way (see woundYounger) — it
// never causes txn itself to abort or block acquisition.
func (lm *LockManager) LockShared(txn *Transaction, rid RID) (bool, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	q := lm.queueFor(rid)

	if txn.State() == Aborted {
		return false, nil
	}
	if txn.State() != Growing {
		txn.setState(Aborted)
		q.removeByTxn(txn.ID())
		txn.scrubLockState(rid)
		q.cond.Broadcast()
		lm.log.Debug("self-abort: lock requested outside growing phase",
			zap.Int64("txn_id", int64(txn.ID())), zap.Uint64("rid", uint64(rid)), zap.String("mode", "shared"))
		return false, nil
	}
	if txn.HoldsShared(rid) || txn.HoldsExclusive(rid) {
		return true, nil
	}

	q.upsert(txn.ID(), Shared)
	woundErr := lm.woundYounger(q, txn.ID(), rid, true)

	for txn.State() != Aborted && !validShared(q, txn.ID()) {
		q.cond.Wait()
	}
	if txn.State() == Aborted {
		return false, woundErr
	}

	if r := q.find(txn.ID()); r != nil {
		r.granted = true
	}
	txn.addShared(rid)
	return true, woundErr
}

// LockExclusive acquires an exclusive lock on rid for txn, suspending the
// calling goroutine until the lock is granted or txn is aborted. Callers
// that already hold rid shared must use LockUpgrade instead: calling
// LockExclusive directly rewrites the caller's own shared entry in place into
// a waiting exclusive one, and once that is granted rid sits in both of txn's
// lock sets.
// A non-nil error reports an invariant violation uncovered along the way
// (see woundYounger) — it never causes txn itself to abort or block
// acquisition.
func (lm *LockManager) LockExclusive(txn *Transaction, rid RID) (bool, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	q := lm.queueFor(rid)

	if txn.State() == Aborted {
		return false, nil
	}
	if txn.State() != Growing {
		txn.setState(Aborted)
		q.removeByTxn(txn.ID())
		txn.scrubLockState(rid)
		q.cond.Broadcast()
		lm.log.Debug("self-abort: lock requested outside growing phase",
			zap.Int64("txn_id", int64(txn.ID())), zap.Uint64("rid", uint64(rid)), zap.String("mode", "exclusive"))
		return false, nil
	}
	if txn.HoldsExclusive(rid) {
		return true, nil
	}

	q.upsert(txn.ID(), Exclusive)
	woundErr := lm.woundYounger(q, txn.ID(), rid, false)

	for txn.State() != Aborted && !validExclusive(q, txn.ID()) {
		q.cond.Wait()
	}
	if txn.State() == Aborted {
		return false, woundErr
	}

	if r := q.find(txn.ID()); r != nil {
		r.granted = true
	}
	txn.addExclusive(rid)
	return true, woundErr
}

// LockUpgrade promotes txn's shared lock on rid to exclusive, suspending the
// calling goroutine until the upgrade is granted or txn is aborted. It
// returns false without changing txn's state if txn does not currently hold
// rid shared (an illegal upgrade, not an abort). A non-nil error reports an
// invariant violation uncovered along the way (see woundYounger) — it never
// causes txn itself to abort or block acquisition.
func (lm *LockManager) LockUpgrade(txn *Transaction, rid RID) (bool, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	q := lm.queueFor(rid)

	if txn.State() == Aborted {
		return false, nil
	}
	if txn.State() == Shrinking {
		txn.setState(Aborted)
		q.removeByTxn(txn.ID())
		txn.scrubLockState(rid)
		q.cond.Broadcast()
		lm.log.Debug("self-abort: upgrade requested while shrinking",
			zap.Int64("txn_id", int64(txn.ID())), zap.Uint64("rid", uint64(rid)))
		return false, nil
	}
	if txn.HoldsExclusive(rid) {
		return true, nil
	}
	if !txn.HoldsShared(rid) {
		return false, nil
	}
	if q.upgrading != InvalidTxnID {
		txn.setState(Aborted)
		q.removeByTxn(txn.ID())
		txn.scrubLockState(rid)
		q.cond.Broadcast()
		lm.log.Debug("self-abort: concurrent upgrade already in flight",
			zap.Int64("txn_id", int64(txn.ID())), zap.Uint64("rid", uint64(rid)),
			zap.Int64("upgrading_txn_id", int64(q.upgrading)))
		return false, nil
	}

	q.upgrading = txn.ID()
	q.upsert(txn.ID(), Exclusive) // replaces the caller's own Shared entry in place
	woundErr := lm.woundYounger(q, txn.ID(), rid, false)

	for txn.State() != Aborted && !validExclusive(q, txn.ID()) {
		q.cond.Wait()
	}
	if txn.State() == Aborted {
		q.upgrading = InvalidTxnID
		return false, woundErr
	}

	if r := q.find(txn.ID()); r != nil {
		r.granted = true
	}
	txn.removeShared(rid)
	txn.addExclusive(rid)
	q.upgrading = InvalidTxnID
	return true, woundErr
}

// Unlock releases txn's lock on rid, if any, and wakes any waiters whose
// grant predicate the release may have satisfied. It returns false iff txn
// held no lock on rid.
func (lm *LockManager) Unlock(txn *Transaction, rid RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	q := lm.queueFor(rid)
	if q.find(txn.ID()) == nil {
		return false
	}

	q.removeByTxn(txn.ID())
	txn.scrubLockState(rid)
	q.cond.Broadcast()
	return true
}

// woundYounger scans q and aborts every entry whose txnID is strictly
// greater than txnID (i.e. strictly younger), removing it from the queue and
// scrubbing its holder's lock state for rid. With exclusiveOnly set (a Shared
// request, which does not conflict with other Shared entries) only younger
// Exclusive entries are wounded. It broadcasts once if any wound occurred.
// Called with lm.mu held.
//
// A queue entry whose txnID has no corresponding registry entry means the
// lock table and the transaction registry have fallen out of sync — the
// entry is still dropped (it cannot be granted to a transaction that no
// longer exists), but the violation is reported back as ErrTransactionUnknown
// rather than silently ignored.
func (lm *LockManager) woundYounger(q *LockRequestQueue, txnID TransactionID, rid RID, exclusiveOnly bool) error {
	wounded := false
	var err error
	for i := 0; i < len(q.requests); {
		r := q.requests[i]
		if r.txnID <= txnID || (exclusiveOnly && r.mode != Exclusive) {
			i++
			continue
		}
		victim, ok := lm.registry.get(r.txnID)
		if !ok {
			// The victim has already been fully torn down; drop the stale
			// entry and keep scanning.
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			err = fmt.Errorf("wounding txn %d on rid %d: %w", r.txnID, uint64(rid), ErrTransactionUnknown)
			lm.log.Warn("lock table referenced an unregistered transaction",
				zap.Int64("wounding_txn_id", int64(txnID)),
				zap.Int64("stale_txn_id", int64(r.txnID)),
				zap.Uint64("rid", uint64(rid)))
			continue
		}
		victim.scrubLockState(rid)
		victim.setState(Aborted)
		q.requests = append(q.requests[:i], q.requests[i+1:]...)
		wounded = true
		lm.log.Debug("wounded younger transaction",
			zap.Int64("wounding_txn_id", int64(txnID)),
			zap.Int64("wounded_txn_id", int64(r.txnID)),
			zap.Uint64("rid", uint64(rid)),
			zap.String("mode", r.mode.String()))
	}
	if wounded {
		q.cond.Broadcast()
	}
	return err
}

// validShared reports whether txnID's Shared entry in q may be granted: no
// Exclusive entry precedes it. Entries already removed from the queue are
// never seen by this scan.
func validShared(q *LockRequestQueue, txnID TransactionID) bool {
	for _, r := range q.requests {
		if r.txnID == txnID && r.mode == Shared {
			return true
		}
		if r.mode == Exclusive {
			return false
		}
	}
	return false
}

// validExclusive reports whether txnID's Exclusive entry in q may be
// granted: it is the head of the queue.
func validExclusive(q *LockRequestQueue, txnID TransactionID) bool {
	if len(q.requests) == 0 {
		return false
	}
	front := q.requests[0]
	return front.txnID == txnID && front.mode == Exclusive
}
