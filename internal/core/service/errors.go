package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rl1809/cart-reservation/internal/port"
)

var (
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrInvalidQuantity        = errors.New("quantity delta must not be zero")
	ErrExceedsMaxOrderable    = errors.New("quantity exceeds max orderable quantity")
	ErrCannotRemoveAbsentItem = errors.New("cannot remove item that is not in the cart")
	ErrProductNotFound        = errors.New("product not found")
	ErrCartNotFound           = errors.New("cart not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrConsistencyFault       = errors.New("inventory consistency fault")
	ErrChannelUnavailable     = errors.New("event channel unavailable")
	ErrLockTimeout            = errors.New("timed out waiting for cart lock")
)

type ErrKind int

const (
	KindInternal ErrKind = iota
	KindValidation
	KindNotFound
	KindInsufficientStock
	KindConsistency
	KindUnavailable
)

func (k ErrKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindInsufficientStock:
		return "insufficient_stock"
	case KindConsistency:
		return "consistency"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	if e.Resource == "cart" {
		return ErrCartNotFound
	}
	return ErrProductNotFound
}

type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// KindOf classifies err into the error taxonomy surfaced to callers.
func KindOf(err error) ErrKind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrExceedsMaxOrderable),
		errors.Is(err, ErrCannotRemoveAbsentItem):
		return KindValidation
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrCartNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrConsistencyFault), errors.Is(err, port.ErrReservedUnderflow):
		return KindConsistency
	case errors.Is(err, ErrChannelUnavailable),
		errors.Is(err, ErrLockTimeout),
		errors.Is(err, port.ErrPublishUnavailable),
		errors.Is(err, port.ErrOptimisticLock),
		errors.Is(err, context.DeadlineExceeded):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// Retryable reports whether the caller may retry the operation unchanged.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindUnavailable || (k == KindInternal && err != nil && !errors.Is(err, context.Canceled))
}
