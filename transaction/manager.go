package transaction

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Registry is the global transaction table: a map from TransactionID to the
// live *Transaction, guarded by a reader/writer latch so that lookups (e.g.
// LockManager wounding a transaction) run concurrently with each other and
// exclusively with registration/deregistration.
//
// Registry is constructed once and shared between a LockManager (which only
// ever reads it, to find the transaction behind a wound target) and the
// TransactionManager that owns registration.
type Registry struct {
	mu   sync.RWMutex
	byID map[TransactionID]*Transaction
}

// NewRegistry creates an empty transaction registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[TransactionID]*Transaction)}
}

// get returns the transaction registered under id, if any.
func (r *Registry) get(id TransactionID) (*Transaction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	txn, ok := r.byID[id]
	return txn, ok
}

func (r *Registry) register(txn *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[txn.ID()] = txn
}

func (r *Registry) deregister(id TransactionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// TransactionManager allocates transaction ids, owns the global transaction
// registry together with the LockManager, and drives commit/abort by
// releasing a transaction's locks. It also exposes a global pause/resume
// barrier used to implement a whole-system checkpoint: BlockAllTransactions
// waits for every in-flight transaction to finish before returning, and
// prevents new ones from beginning until ResumeTransactions is called.
type TransactionManager struct {
	nextID      atomic.Int64
	registry    *Registry
	lockManager *LockManager
	barrier     sync.RWMutex
	log         *zap.Logger
}

// NewTransactionManager creates a TransactionManager backed by registry and
// lockManager, which must be the same *Registry the LockManager was
// constructed with. logger may be nil (logging disabled).
func NewTransactionManager(registry *Registry, lockManager *LockManager, logger *zap.Logger) *TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionManager{
		registry:    registry,
		lockManager: lockManager,
		log:         logger,
	}
}

// Begin allocates a fresh TransactionID, registers a new Transaction in the
// Growing state, and acquires the global barrier in shared mode on the
// transaction's behalf; the barrier is released when the transaction commits
// or aborts. ctx is checked once, before Begin waits on the barrier: if it is
// already done Begin returns ErrBarrierCancelled; a ctx cancelled while Begin
// is blocked behind a checkpoint pause (BlockAllTransactions) does not end
// that wait. A nil ctx is never checked.
func (tm *TransactionManager) Begin(ctx context.Context) (*Transaction, error) {
	if err := rlockContext(ctx, &tm.barrier); err != nil {
		return nil, err
	}

	id := TransactionID(tm.nextID.Add(1))
	txn := newTransaction(id)
	tm.registry.register(txn)
	tm.log.Debug("begin", zap.Int64("txn_id", int64(id)))
	return txn, nil
}

// Commit transitions txn to Committed, releases every lock it holds, and
// releases the shared barrier acquired by Begin.
func (tm *TransactionManager) Commit(txn *Transaction) {
	txn.setState(Committed)
	tm.releaseLocks(txn)
	tm.registry.deregister(txn.ID())
	tm.barrier.RUnlock()
	tm.log.Debug("commit", zap.Int64("txn_id", int64(txn.ID())))
}

// Abort transitions txn to Aborted, releases every lock it holds, and
// releases the shared barrier acquired by Begin. Rolling back any data
// mutations the transaction performed is the caller's responsibility — this
// package models no write set.
func (tm *TransactionManager) Abort(txn *Transaction) {
	txn.setState(Aborted)
	tm.releaseLocks(txn)
	tm.registry.deregister(txn.ID())
	tm.barrier.RUnlock()
	tm.log.Debug("abort", zap.Int64("txn_id", int64(txn.ID())))
}

// GetTransaction looks up a transaction by id.
func (tm *TransactionManager) GetTransaction(id TransactionID) (*Transaction, bool) {
	return tm.registry.get(id)
}

// BlockAllTransactions acquires the global barrier in exclusive mode,
// blocking until every in-flight transaction has committed or aborted, and
// preventing new transactions from beginning until ResumeTransactions is
// called. Used to implement a whole-system checkpoint pause.
func (tm *TransactionManager) BlockAllTransactions() {
	tm.barrier.Lock()
}

// ResumeTransactions releases the exclusive barrier acquired by
// BlockAllTransactions.
func (tm *TransactionManager) ResumeTransactions() {
	tm.barrier.Unlock()
}

// releaseLocks snapshots the union of txn's shared- and exclusive-held RIDs
// before unlocking each: Unlock mutates txn's lock sets, so iterating them
// directly while unlocking would skip entries.
func (tm *TransactionManager) releaseLocks(txn *Transaction) {
	shared := txn.SharedSet()
	exclusive := txn.ExclusiveSet()

	held := make(map[RID]struct{}, len(shared)+len(exclusive))
	for rid := range shared {
		held[rid] = struct{}{}
	}
	for rid := range exclusive {
		held[rid] = struct{}{}
	}

	for rid := range held {
		tm.lockManager.Unlock(txn, rid)
	}
}

// rlockContext acquires mu in shared mode. If ctx is already done, it
// returns ErrBarrierCancelled without acquiring the latch; sync.RWMutex
// offers no way to abort a blocked RLock once issued, so a ctx that is
// cancelled only after Begin starts waiting (i.e. during an in-progress
// checkpoint pause) is honored at the next Begin instead — the same
// "no timeout on waits" discipline the lock manager itself follows.
func rlockContext(ctx context.Context, mu *sync.RWMutex) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ErrBarrierCancelled
		default:
		}
	}
	mu.RLock()
	return nil
}
