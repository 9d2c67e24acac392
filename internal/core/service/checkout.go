package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rl1809/cart-reservation/internal/core/domain"
	"github.com/rl1809/cart-reservation/internal/port"
)

const (
	CheckoutOutcomeReserved = "reserved"
	CheckoutOutcomePartial  = "partial"
	CheckoutOutcomeReplayed = "replayed"
	CheckoutOutcomeFailed   = "failed"
)

type CheckoutResult struct {
	Cart      domain.Cart
	Reserved  map[int64]int
	Shortages []domain.ShortageNotice
	Replayed  bool
}

// Partial reports success with warnings: some lines could not be reserved.
func (r CheckoutResult) Partial() bool {
	return len(r.Shortages) > 0
}

func (r CheckoutResult) Message() string {
	switch {
	case r.Replayed:
		return "checkout already processed for this cart revision"
	case r.Partial():
		return fmt.Sprintf("cart reserved with %d shortage(s)", len(r.Shortages))
	default:
		return "cart reserved"
	}
}

// Checkout reserves the cart's lines on the ledger, reports lines that cannot be
// reserved as shortage events and emits the cart to the order topic.
//
// Checkout is idempotent per cart revision: running it again for a revision that
// already completed reserves nothing and re-emits the same events. Running it for a
// newer revision reserves or releases only the difference from what is held.
func (s *ReservationService) Checkout(ctx context.Context, cartID int64) (*CheckoutResult, error) {
	if cartID <= 0 {
		return nil, fmt.Errorf("%w: cart id must be positive", ErrInvalidArgument)
	}

	cart, err := s.carts.GetByID(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if cart == nil {
		return nil, &NotFoundError{Resource: "cart", ID: cartID}
	}

	unlock, err := s.lockUser(ctx, cart.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Reload under the lock: the cart may have changed or been deleted meanwhile.
	cart, err = s.carts.GetByID(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if cart == nil {
		return nil, &NotFoundError{Resource: "cart", ID: cartID}
	}

	prior, err := s.reservations.Get(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("load reservation: %w", err)
	}

	if prior != nil && prior.Revision == cart.Revision {
		result := &CheckoutResult{
			Cart:      cart.Clone(),
			Reserved:  copyItems(prior.Items),
			Shortages: prior.Shortages,
			Replayed:  true,
		}
		s.metrics.CheckoutCompleted(CheckoutOutcomeReplayed)
		s.logger.Info().Int64("cart_id", cartID).Int64("revision", cart.Revision).Msg("checkout replayed")
		return result, s.emit(ctx, result)
	}

	result, err := s.reserveCart(ctx, *cart, prior)
	if err != nil {
		s.metrics.CheckoutCompleted(CheckoutOutcomeFailed)
		return nil, err
	}

	if result.Partial() {
		s.metrics.CheckoutCompleted(CheckoutOutcomePartial)
	} else {
		s.metrics.CheckoutCompleted(CheckoutOutcomeReserved)
	}
	s.logger.Info().
		Int64("cart_id", cartID).
		Int64("revision", cart.Revision).
		Int("shortages", len(result.Shortages)).
		Msg("checkout reserved")

	// Stock is committed at this point; a publish failure is reported but the
	// reservation stands and a retry replays the events.
	return result, s.emit(context.WithoutCancel(ctx), result)
}

// reserveCart moves the ledger from the units held in prior to the units the cart
// asks for, and records the outcome.
func (s *ReservationService) reserveCart(ctx context.Context, cart domain.Cart, prior *domain.Reservation) (*CheckoutResult, error) {
	held := map[int64]int{}
	var priorRevision int64
	if prior != nil {
		held = copyItems(prior.Items)
		priorRevision = prior.Revision
	}

	next := domain.Reservation{
		CartID: cart.ID,
		UserID: cart.UserID,
		Items:  held,
	}
	result := &CheckoutResult{Cart: cart.Clone()}

	// Once the ledger has been written the remaining steps must complete.
	writeCtx := ctx
	committed := false
	commit := func() {
		if !committed {
			committed = true
			writeCtx = context.WithoutCancel(ctx)
		}
	}

	fail := func(err error) (*CheckoutResult, error) {
		if committed {
			next.Revision = priorRevision
			next.UpdatedAt = s.now()
			if saveErr := s.reservations.Save(writeCtx, next); saveErr != nil {
				s.logger.Error().Err(saveErr).Int64("cart_id", cart.ID).Msg("failed to record partial reservation")
			}
		}
		return nil, err
	}

	for productID, qty := range held {
		if _, inCart := cart.Quantity(productID); inCart || qty <= 0 {
			continue
		}
		if err := ctx.Err(); err != nil && !committed {
			return nil, err
		}
		commit()
		if err := s.release(writeCtx, productID, qty); err != nil && !errors.Is(err, ErrConsistencyFault) {
			return fail(err)
		}
		delete(held, productID)
	}

	for _, item := range cart.Items {
		have := held[item.ProductID]
		switch {
		case item.Quantity == have:
			continue

		case item.Quantity < have:
			if err := ctx.Err(); err != nil && !committed {
				return nil, err
			}
			commit()
			if err := s.release(writeCtx, item.ProductID, have-item.Quantity); err != nil && !errors.Is(err, ErrConsistencyFault) {
				return fail(err)
			}
			held[item.ProductID] = item.Quantity

		default:
			need := item.Quantity - have
			product, err := s.ledger.Lookup(writeCtx, item.ProductID)
			if err != nil {
				return fail(fmt.Errorf("lookup product: %w", err))
			}
			if product == nil {
				result.Shortages = append(result.Shortages, s.shortage(cart, item, 0))
				continue
			}
			if need > product.AvailableQuantity {
				result.Shortages = append(result.Shortages, s.shortage(cart, item, product.AvailableQuantity))
				continue
			}

			if err := ctx.Err(); err != nil && !committed {
				return nil, err
			}
			// The pre-check above can race with other carts; Reserve is authoritative.
			ok, available, err := s.ledger.Reserve(writeCtx, item.ProductID, need)
			if errors.Is(err, port.ErrProductMissing) {
				result.Shortages = append(result.Shortages, s.shortage(cart, item, 0))
				continue
			}
			if err != nil {
				return fail(fmt.Errorf("reserve product %d: %w", item.ProductID, err))
			}
			if !ok {
				result.Shortages = append(result.Shortages, s.shortage(cart, item, available))
				continue
			}
			commit()
			s.metrics.UnitsReserved(need)
			held[item.ProductID] = item.Quantity
		}
	}

	for productID, qty := range held {
		if qty <= 0 {
			delete(held, productID)
		}
	}

	next.Revision = cart.Revision
	next.Shortages = result.Shortages
	next.UpdatedAt = s.now()
	if err := s.reservations.Save(writeCtx, next); err != nil {
		// The ledger moved but the record did not; log loudly so it can be reconciled.
		s.logger.Error().Err(err).Int64("cart_id", cart.ID).Interface("held", held).Msg("failed to record reservation")
		return nil, fmt.Errorf("save reservation: %w", err)
	}

	result.Reserved = copyItems(held)
	return result, nil
}

func (s *ReservationService) shortage(cart domain.Cart, item domain.ProductRef, available int) domain.ShortageNotice {
	s.metrics.ShortageRecorded()
	s.logger.Warn().
		Int64("cart_id", cart.ID).
		Int64("product_id", item.ProductID).
		Int("requested", item.Quantity).
		Int("available", available).
		Msg("stock shortage at checkout")
	return domain.ShortageNotice{Product: item, AvailableQuantity: available}
}

// emit publishes shortage events and then the cart-ready event.
func (s *ReservationService) emit(ctx context.Context, result *CheckoutResult) error {
	at := s.now()
	events := make([]domain.Event, 0, len(result.Shortages)+1)
	for _, notice := range result.Shortages {
		events = append(events, domain.NewShortageEvent(result.Cart.ID, result.Cart.Revision, notice, at))
	}
	events = append(events, domain.NewCartReadyEvent(result.Cart, at))

	for _, ev := range events {
		err := retry(ctx, s.cfg.PublishAttempts, s.cfg.PublishBackoff, func(ctx context.Context) error {
			return s.events.Publish(ctx, ev)
		})
		if err != nil {
			s.metrics.PublishFailed()
			s.logger.Error().
				Err(err).
				Str("event_id", ev.ID.String()).
				Str("type", string(ev.Type)).
				Int64("cart_id", ev.CartID).
				Msg("failed to publish event")
			return fmt.Errorf("%w: publish %s for cart %d: %w", ErrChannelUnavailable, ev.Type, ev.CartID, err)
		}
	}
	return nil
}

func copyItems(in map[int64]int) map[int64]int {
	out := make(map[int64]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
