package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CartAction string

const (
	CartActionAdded     CartAction = "added"
	CartActionIncreased CartAction = "increased"
	CartActionDecreased CartAction = "decreased"
	CartActionRemoved   CartAction = "removed"
)

type ProductRef struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type Cart struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"userId"`
	Items      []ProductRef    `json:"items"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	Revision   int64           `json:"revision"` // bumped on every content change
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func NewCart(userID int64, now time.Time) *Cart {
	return &Cart{
		UserID:     userID,
		TotalPrice: decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Quantity returns the quantity held for productID and whether it is in the cart.
func (c *Cart) Quantity(productID int64) (int, bool) {
	for _, ref := range c.Items {
		if ref.ProductID == productID {
			return ref.Quantity, true
		}
	}
	return 0, false
}

// SetQuantity updates the line for productID in place, appends it when new, and
// removes it when quantity is not positive.
func (c *Cart) SetQuantity(productID int64, quantity int) {
	for i, ref := range c.Items {
		if ref.ProductID != productID {
			continue
		}
		if quantity <= 0 {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			return
		}
		c.Items[i].Quantity = quantity
		return
	}
	if quantity > 0 {
		c.Items = append(c.Items, ProductRef{ProductID: productID, Quantity: quantity})
	}
}

func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Recalculate sets TotalPrice to the sum of price x quantity over the current items.
// Products missing from prices contribute nothing.
func (c *Cart) Recalculate(prices map[int64]decimal.Decimal) {
	total := decimal.Zero
	for _, ref := range c.Items {
		price, ok := prices[ref.ProductID]
		if !ok {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(int64(ref.Quantity))))
	}
	c.TotalPrice = total
}

func (c Cart) Clone() Cart {
	items := make([]ProductRef, len(c.Items))
	copy(items, c.Items)
	c.Items = items
	return c
}

// CartLine is a cart item enriched with catalog data.
type CartLine struct {
	ProductID int64           `json:"productId"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type CartView struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"userId"`
	Revision   int64           `json:"revision"`
	Lines      []CartLine      `json:"products"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
}
