package messaging

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rl1809/cart-reservation/internal/core/domain"
)

// LogPublisher writes events to the log instead of a broker. Used when no broker is
// configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "log_publisher").Logger()}
}

func (p *LogPublisher) Publish(ctx context.Context, event domain.Event) error {
	e := p.logger.Info().
		Str("event_id", event.ID.String()).
		Str("routing_key", event.RoutingKey()).
		Int64("cart_id", event.CartID).
		Int64("revision", event.Revision)
	if event.Error != nil {
		e = e.Int64("product_id", event.Error.Product.ProductID).
			Int("requested", event.Error.Product.Quantity).
			Int("available", event.Error.AvailableQuantity)
	}
	e.Msg("event published")
	return nil
}
