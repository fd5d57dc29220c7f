package ledger

import (
	"errors"
	"fmt"

	"github.com/mcclellann/fleetledger/pkg/store"
)

// Reconciliation errors. Callers match them with errors.Is.
var (
	// ErrNotFound is the root of every missing-row error.
	ErrNotFound = store.ErrNotFound

	ErrPaymentNotFound  = fmt.Errorf("payment %w", ErrNotFound)
	ErrTargetNotFound   = fmt.Errorf("target %w", ErrNotFound)
	ErrContractNotFound = fmt.Errorf("contract %w", ErrNotFound)

	// ErrAlreadyAllocated is returned when a payment is fully allocated to a
	// different target, or when suggestions are requested for a payment that
	// is no longer unallocated. Reverse the payment first.
	ErrAlreadyAllocated = errors.New("payment already allocated")

	// ErrCrossTenant is returned when the rows of an operation belong to
	// different companies.
	ErrCrossTenant = errors.New("cross-tenant access rejected")

	ErrTargetCancelled  = errors.New("target is cancelled")
	ErrPaymentCancelled = errors.New("payment is cancelled")

	// ErrInvalidAmount is returned for non-positive amounts, for explicit
	// allocations larger than what remains on the payment, and when the
	// target has nothing left to settle.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrConcurrentModification means an optimistic update lost. The
	// settlement paths retry it before it reaches the caller.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrPartialBatchFailure reports a batch that finished with per-item errors.
	ErrPartialBatchFailure = errors.New("batch completed with errors")

	ErrInvoiceReferenced  = errors.New("invoice is referenced by payments")
	ErrWaiverReasonNeeded = errors.New("waiver reason is required")
)

// OperationError wraps a failure with the ledger operation that produced it.
type OperationError struct {
	// Op is the public operation, e.g. "MatchPayment".
	Op string

	// Err is one of the package sentinels, possibly wrapped.
	Err error

	// Details identifies the rows involved.
	Details string
}

func (e *OperationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("ledger: %s failed: %s: %v", e.Op, e.Details, e.Err)
	}
	return fmt.Sprintf("ledger: %s failed: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func opError(op string, err error, details string) error {
	if err == nil {
		return nil
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return err
	}
	return &OperationError{Op: op, Err: err, Details: details}
}

// storeErr maps store sentinels onto ledger ones. notFound replaces
// store.ErrNotFound so callers can tell which row was missing.
func storeErr(err, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrVersionConflict):
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	case errors.Is(err, store.ErrNotFound) && notFound != nil:
		return fmt.Errorf("%w: %v", notFound, err)
	}
	return err
}
