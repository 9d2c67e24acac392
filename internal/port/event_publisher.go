package port

import (
	"context"

	"github.com/rl1809/cart-reservation/internal/core/domain"
)

type EventPublisher interface {
	// Publish delivers the event at least once. Returns ErrPublishUnavailable when
	// the channel is not connected.
	Publish(ctx context.Context, event domain.Event) error
}

type Metrics interface {
	CartMutated(action domain.CartAction)
	UnitsReserved(units int)
	UnitsReleased(units int)
	ShortageRecorded()
	CheckoutCompleted(outcome string)
	PublishFailed()
	LockTimedOut()
}
