package messaging

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/rl1809/cart-reservation/internal/core/domain"
	"github.com/rl1809/cart-reservation/internal/core/service"
	"github.com/rl1809/cart-reservation/internal/port"
)

// Decision tells a consumer what to do with a delivery once it has been handled.
type Decision int

const (
	Ack Decision = iota
	Requeue
	Reject
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	default:
		return "reject"
	}
}

type MessageHandler interface {
	Handle(ctx context.Context, messageID string, body []byte) Decision
}

type CheckoutRunner interface {
	Checkout(ctx context.Context, cartID int64) (*service.CheckoutResult, error)
}

const finalizeKeyPrefix = "finalize:"

// FinalizeHandler turns finalize-cart messages into checkouts.
type FinalizeHandler struct {
	checkout CheckoutRunner
	dedup    port.IdempotencyStore
	logger   zerolog.Logger
}

func NewFinalizeHandler(checkout CheckoutRunner, dedup port.IdempotencyStore, logger zerolog.Logger) *FinalizeHandler {
	return &FinalizeHandler{
		checkout: checkout,
		dedup:    dedup,
		logger:   logger.With().Str("component", "finalize_handler").Logger(),
	}
}

// Handle runs the checkout for the cart named in body. The returned decision is
// only made after Checkout has returned.
func (h *FinalizeHandler) Handle(ctx context.Context, messageID string, body []byte) Decision {
	var req domain.FinalizeRequest
	if err := json.Unmarshal(body, &req); err != nil || req.CartID <= 0 {
		h.logger.Error().Err(err).Str("message_id", messageID).Bytes("body", body).Msg("invalid finalize request")
		return Reject
	}
	log := h.logger.With().Str("message_id", messageID).Int64("cart_id", req.CartID).Logger()

	key := finalizeKeyPrefix + messageID
	if messageID != "" && h.dedup != nil {
		fresh, err := h.dedup.SetIdempotency(ctx, key)
		if err != nil {
			log.Error().Err(err).Msg("idempotency check failed")
			return Requeue
		}
		if !fresh {
			log.Info().Msg("duplicate finalize request")
			return Ack
		}
	}

	res, err := h.checkout.Checkout(ctx, req.CartID)
	if err == nil {
		log.Info().
			Bool("replayed", res.Replayed).
			Int("shortages", len(res.Shortages)).
			Msg(res.Message())
		return Ack
	}

	switch kind := service.KindOf(err); {
	case service.Retryable(err):
		log.Warn().Err(err).Str("kind", kind.String()).Msg("checkout failed, requeueing")
		if messageID != "" && h.dedup != nil {
			// Let the redelivery through the duplicate check.
			if clearErr := h.dedup.ClearIdempotency(context.WithoutCancel(ctx), key); clearErr != nil {
				log.Error().Err(clearErr).Msg("failed to clear idempotency key")
			}
		}
		return Requeue
	case kind == service.KindConsistency:
		log.Error().Err(err).Msg("checkout hit a consistency fault")
		return Ack
	default:
		log.Warn().Err(err).Str("kind", kind.String()).Msg("checkout rejected")
		return Ack
	}
}
