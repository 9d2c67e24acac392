package port

import (
	"context"

	"github.com/rl1809/cart-reservation/internal/core/domain"
)

type InventoryLedger interface {
	// Lookup returns the product or nil if it does not exist
	Lookup(ctx context.Context, productID int64) (*domain.Product, error)

	// List returns the catalog snapshot ordered by product ID
	List(ctx context.Context) ([]domain.Product, error)

	// Reserve atomically moves quantity units from available to reserved.
	// Returns false and the current available count if there is not enough stock.
	Reserve(ctx context.Context, productID int64, quantity int) (bool, int, error)

	// Release atomically moves quantity units from reserved back to available,
	// clamped at the reserved count
	Release(ctx context.Context, productID int64, quantity int) error
}
