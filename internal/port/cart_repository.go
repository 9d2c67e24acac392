package port

import (
	"context"

	"github.com/rl1809/cart-reservation/internal/core/domain"
)

type CartRepository interface {
	// GetByUser returns the user's cart or nil
	GetByUser(ctx context.Context, userID int64) (*domain.Cart, error)

	// GetByID returns the cart or nil
	GetByID(ctx context.Context, cartID int64) (*domain.Cart, error)

	// NextID allocates a cart ID
	NextID(ctx context.Context) (int64, error)

	// Upsert replaces the cart keyed by ID. The stored revision must be
	// cart.Revision-1 or cart.Revision, and a new cart must be the user's only one.
	Upsert(ctx context.Context, cart domain.Cart) error

	// DeleteIfEmpty removes the cart when it has no items and the stored revision is
	// the one the emptying mutation was based on
	DeleteIfEmpty(ctx context.Context, cart domain.Cart) (bool, error)
}

type ReservationRepository interface {
	Get(ctx context.Context, cartID int64) (*domain.Reservation, error)
	Save(ctx context.Context, reservation domain.Reservation) error
	Delete(ctx context.Context, cartID int64) error
}
