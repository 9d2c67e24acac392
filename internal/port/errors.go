package port

import "errors"

var (
	// ErrOptimisticLock is returned when a stored record changed since it was read.
	ErrOptimisticLock = errors.New("optimistic lock conflict")

	// ErrProductMissing is returned by ledger writes for an unknown product.
	ErrProductMissing = errors.New("product missing from ledger")

	// ErrReservedUnderflow is returned when a release asked for more units than are
	// reserved. The clamped release has already been applied.
	ErrReservedUnderflow = errors.New("reserved quantity would go negative")

	// ErrPublishUnavailable is returned when the event channel is not connected.
	ErrPublishUnavailable = errors.New("event channel unavailable")
)
