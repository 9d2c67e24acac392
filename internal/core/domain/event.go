package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventCartReady    EventType = "cart.ready"
	EventCartShortage EventType = "cart.shortage"
)

const (
	RoutingKeyCartReady    = "orders.cart.ready"
	RoutingKeyCartShortage = "orders.cart.shortage"
)

var eventNamespace = uuid.MustParse("6f1b0d4e-2c7a-4f43-9a0e-3f5d8c2b7e61")

type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       EventType       `json:"type"`
	CartID     int64           `json:"cartId"`
	Revision   int64           `json:"revision"`
	OccurredAt time.Time       `json:"occurredAt"`
	Cart       *Cart           `json:"cart,omitempty"`
	Error      *ShortageNotice `json:"error,omitempty"`
}

func (e Event) RoutingKey() string {
	if e.Type == EventCartShortage {
		return RoutingKeyCartShortage
	}
	return RoutingKeyCartReady
}

// Key is the partition key used by brokers that order per key.
func (e Event) Key() string {
	return strconv.FormatInt(e.CartID, 10)
}

func NewCartReadyEvent(cart Cart, at time.Time) Event {
	c := cart.Clone()
	return Event{
		ID:         eventID(cart.ID, cart.Revision, EventCartReady, 0),
		Type:       EventCartReady,
		CartID:     cart.ID,
		Revision:   cart.Revision,
		OccurredAt: at,
		Cart:       &c,
	}
}

func NewShortageEvent(cartID, revision int64, notice ShortageNotice, at time.Time) Event {
	n := notice
	return Event{
		ID:         eventID(cartID, revision, EventCartShortage, notice.Product.ProductID),
		Type:       EventCartShortage,
		CartID:     cartID,
		Revision:   revision,
		OccurredAt: at,
		Error:      &n,
	}
}

// eventID is stable for a given cart revision so replays carry the same id.
func eventID(cartID, revision int64, typ EventType, productID int64) uuid.UUID {
	name := fmt.Sprintf("cart:%d:rev:%d:%s:%d", cartID, revision, typ, productID)
	return uuid.NewSHA1(eventNamespace, []byte(name))
}

// FinalizeRequest is the inbound message asking for a cart to be checked out.
type FinalizeRequest struct {
	CartID int64 `json:"cartId"`
}
