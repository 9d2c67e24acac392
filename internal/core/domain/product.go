package domain

import "github.com/shopspring/decimal"

type Product struct {
	ID                   int64           `json:"id"`
	Title                string          `json:"title"`
	Price                decimal.Decimal `json:"price"`
	AvailableQuantity    int             `json:"availableQuantity"`
	ReservedQuantity     int             `json:"reservedQuantity"`
	MaxOrderableQuantity int             `json:"maxOrderableQuantity"`
}

// OnHand is the unit count conserved by reserve/release.
func (p Product) OnHand() int {
	return p.AvailableQuantity + p.ReservedQuantity
}
