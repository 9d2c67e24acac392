package domain

import "time"

// ShortageNotice reports a cart line the ledger could not reserve.
type ShortageNotice struct {
	Product           ProductRef `json:"product"`
	AvailableQuantity int        `json:"availableQuantity"`
}

// Reservation records the units the ledger holds for a cart and the cart revision
// the last completed checkout was computed for.
type Reservation struct {
	CartID    int64            `json:"cartId"`
	UserID    int64            `json:"userId"`
	Revision  int64            `json:"revision"`
	Items     map[int64]int    `json:"items"`
	Shortages []ShortageNotice `json:"shortages"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func (r *Reservation) Held(productID int64) int {
	if r == nil {
		return 0
	}
	return r.Items[productID]
}

func (r *Reservation) TotalHeld() int {
	if r == nil {
		return 0
	}
	total := 0
	for _, q := range r.Items {
		total += q
	}
	return total
}
