// Package transaction implements a pessimistic, wound-wait two-phase-locking
// core: per-resource lock request queues, shared/exclusive/upgrade
// acquisition, and the transaction registry that drives commit/abort.
package transaction

import "errors"

var (
	// ErrTransactionUnknown is returned when a TransactionID referenced by the
	// lock table or a wound cannot be found in the transaction registry. This
	// indicates the registry and the lock table have fallen out of sync and
	// should be unreachable in correct use of the package.
	ErrTransactionUnknown = errors.New("transaction: unknown transaction id")

	// ErrBarrierCancelled is returned by Begin when its context is already
	// done at the moment Begin would start waiting on the global transaction
	// barrier.
	ErrBarrierCancelled = errors.New("transaction: begin cancelled waiting on barrier")
)
