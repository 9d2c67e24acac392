package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rl1809/cart-reservation/internal/core/domain"
)

// ProductSetter is implemented by every ledger so the catalog can be seeded.
type ProductSetter interface {
	SetProduct(ctx context.Context, p domain.Product) error
}

// LoadCatalog reads a JSON array of products.
func LoadCatalog(path string) ([]domain.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var products []domain.Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	for _, p := range products {
		if p.ID <= 0 {
			return nil, fmt.Errorf("catalog: product id must be positive, got %d", p.ID)
		}
		if p.AvailableQuantity < 0 || p.ReservedQuantity < 0 || p.Price.IsNegative() {
			return nil, fmt.Errorf("catalog: product %d has negative price or counters", p.ID)
		}
	}
	return products, nil
}

func SeedCatalog(ctx context.Context, ledger ProductSetter, products []domain.Product) error {
	for _, p := range products {
		if err := ledger.SetProduct(ctx, p); err != nil {
			return fmt.Errorf("seed product %d: %w", p.ID, err)
		}
	}
	return nil
}
