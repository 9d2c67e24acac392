package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/cart-reservation/internal/core/domain"
	"github.com/rl1809/cart-reservation/internal/port"
)

type Config struct {
	LockTimeout     time.Duration
	PublishAttempts int
	PublishBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockTimeout:     3 * time.Second,
		PublishAttempts: 3,
		PublishBackoff:  100 * time.Millisecond,
	}
}

type Option func(*ReservationService)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *ReservationService) { s.logger = logger }
}

func WithMetrics(m port.Metrics) Option {
	return func(s *ReservationService) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *ReservationService) { s.now = now }
}

// ReservationService mutates carts, checks and reserves stock on the ledger and
// emits checkout events. Work on one user's cart is serialized by a per-user lock.
type ReservationService struct {
	ledger       port.InventoryLedger
	carts        port.CartRepository
	reservations port.ReservationRepository
	events       port.EventPublisher
	metrics      port.Metrics
	logger       zerolog.Logger
	now          func() time.Time
	cfg          Config
	userLocks    *keyLocker
}

func NewReservationService(
	ledger port.InventoryLedger,
	carts port.CartRepository,
	reservations port.ReservationRepository,
	events port.EventPublisher,
	cfg Config,
	opts ...Option,
) *ReservationService {
	def := DefaultConfig()
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = def.PublishAttempts
	}
	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = def.PublishBackoff
	}

	s := &ReservationService{
		ledger:       ledger,
		carts:        carts,
		reservations: reservations,
		events:       events,
		metrics:      noopMetrics{},
		logger:       zerolog.Nop(),
		now:          time.Now,
		cfg:          cfg,
		userLocks:    newKeyLocker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type MutationResult struct {
	Cart   *domain.Cart // nil when the cart was deleted
	Action domain.CartAction
}

func (r MutationResult) Message() string {
	switch r.Action {
	case domain.CartActionAdded:
		return "product added to cart"
	case domain.CartActionIncreased:
		return "product quantity increased"
	case domain.CartActionDecreased:
		return "product quantity decreased"
	case domain.CartActionRemoved:
		if r.Cart == nil {
			return "product removed, cart is empty and was deleted"
		}
		return "product removed from cart"
	default:
		return string(r.Action)
	}
}

// AddOrAdjustItem applies quantityDelta to the user's line for productID. Stock is
// checked, not reserved: reservation happens at checkout.
func (s *ReservationService) AddOrAdjustItem(ctx context.Context, userID, productID int64, quantityDelta int) (*MutationResult, error) {
	if quantityDelta == 0 {
		return nil, ErrInvalidQuantity
	}
	if userID <= 0 || productID <= 0 {
		return nil, fmt.Errorf("%w: user and product ids must be positive", ErrInvalidArgument)
	}

	unlock, err := s.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	product, err := s.ledger.Lookup(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("lookup product: %w", err)
	}
	if product == nil {
		return nil, &NotFoundError{Resource: "product", ID: productID}
	}

	stored, err := s.carts.GetByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	var cart *domain.Cart
	if stored != nil {
		c := stored.Clone()
		cart = &c
	} else {
		cart = domain.NewCart(userID, s.now())
	}

	existing, present := cart.Quantity(productID)
	if quantityDelta < 0 && !present {
		return nil, ErrCannotRemoveAbsentItem
	}

	newQuantity := existing + quantityDelta
	if newQuantity > 0 && quantityDelta > 0 {
		held, err := s.heldUnits(ctx, cart.ID, productID)
		if err != nil {
			return nil, err
		}
		// Units a previous checkout already holds for this line are not free stock.
		if need := newQuantity - held; need > product.AvailableQuantity {
			return nil, &InsufficientStockError{
				ProductID: productID,
				Requested: need,
				Available: product.AvailableQuantity,
			}
		}
		if product.MaxOrderableQuantity > 0 && newQuantity > product.MaxOrderableQuantity {
			return nil, fmt.Errorf("%w: product %d allows at most %d",
				ErrExceedsMaxOrderable, productID, product.MaxOrderableQuantity)
		}
	}

	action := classify(present, quantityDelta, newQuantity)
	cart.SetQuantity(productID, newQuantity)

	prices, err := s.priceSnapshot(ctx, cart, *product)
	if err != nil {
		return nil, err
	}
	cart.Recalculate(prices)
	cart.Revision++
	cart.UpdatedAt = s.now()

	// Nothing has been written yet, so a cancelled caller can walk away here.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cart.IsEmpty() {
		if err := s.deleteCart(ctx, *cart); err != nil {
			return nil, err
		}
		s.metrics.CartMutated(action)
		return &MutationResult{Cart: nil, Action: action}, nil
	}

	if cart.ID == 0 {
		id, err := s.carts.NextID(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocate cart id: %w", err)
		}
		cart.ID = id
	}
	if err := s.carts.Upsert(ctx, *cart); err != nil {
		return nil, fmt.Errorf("save cart: %w", err)
	}

	s.metrics.CartMutated(action)
	s.logger.Debug().
		Int64("user_id", userID).
		Int64("cart_id", cart.ID).
		Int64("product_id", productID).
		Int("quantity", newQuantity).
		Str("action", string(action)).
		Msg("cart updated")

	return &MutationResult{Cart: cart, Action: action}, nil
}

func classify(present bool, delta, newQuantity int) domain.CartAction {
	switch {
	case !present:
		return domain.CartActionAdded
	case newQuantity <= 0:
		return domain.CartActionRemoved
	case delta > 0:
		return domain.CartActionIncreased
	default:
		return domain.CartActionDecreased
	}
}

// heldUnits returns the units the ledger holds for productID on behalf of cartID.
func (s *ReservationService) heldUnits(ctx context.Context, cartID, productID int64) (int, error) {
	if cartID == 0 {
		return 0, nil
	}
	r, err := s.reservations.Get(ctx, cartID)
	if err != nil {
		return 0, fmt.Errorf("load reservation: %w", err)
	}
	return r.Held(productID), nil
}

// priceSnapshot reads the current price of every product in the cart. known is the
// product already resolved by the caller. Lines whose product has left the catalog
// get no price and drop out of the total.
func (s *ReservationService) priceSnapshot(ctx context.Context, cart *domain.Cart, known domain.Product) (map[int64]decimal.Decimal, error) {
	prices := map[int64]decimal.Decimal{known.ID: known.Price}
	for _, ref := range cart.Items {
		if _, ok := prices[ref.ProductID]; ok {
			continue
		}
		p, err := s.ledger.Lookup(ctx, ref.ProductID)
		if err != nil {
			return nil, fmt.Errorf("lookup product: %w", err)
		}
		if p == nil {
			s.logger.Warn().Int64("product_id", ref.ProductID).Int64("cart_id", cart.ID).Msg("cart line references a missing product")
			continue
		}
		prices[p.ID] = p.Price
	}
	return prices, nil
}

// deleteCart removes an emptied cart and hands back any stock a previous checkout
// still holds for it.
func (s *ReservationService) deleteCart(ctx context.Context, cart domain.Cart) error {
	if cart.ID == 0 {
		return nil
	}
	deleted, err := s.carts.DeleteIfEmpty(ctx, cart)
	if err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	if !deleted {
		return nil
	}

	// The cart is gone; finish returning its stock even if the caller leaves.
	ctx = context.WithoutCancel(ctx)
	held, err := s.reservations.Get(ctx, cart.ID)
	if err != nil {
		return fmt.Errorf("load reservation: %w", err)
	}
	if held == nil {
		return nil
	}

	for productID, qty := range held.Items {
		if qty > 0 {
			if err := s.release(ctx, productID, qty); err != nil && !errors.Is(err, ErrConsistencyFault) {
				held.UpdatedAt = s.now()
				if saveErr := s.reservations.Save(ctx, *held); saveErr != nil {
					s.logger.Error().Err(saveErr).Int64("cart_id", cart.ID).Msg("failed to record remaining reservation")
				}
				return err
			}
		}
		delete(held.Items, productID)
	}
	if err := s.reservations.Delete(ctx, cart.ID); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}

func (s *ReservationService) release(ctx context.Context, productID int64, qty int) error {
	err := s.ledger.Release(ctx, productID, qty)
	switch {
	case err == nil:
		s.metrics.UnitsReleased(qty)
		return nil
	case errors.Is(err, port.ErrReservedUnderflow):
		s.logger.Error().
			Err(err).
			Int64("product_id", productID).
			Int("quantity", qty).
			Msg("CONSISTENCY FAULT: release exceeded reserved quantity")
		return fmt.Errorf("%w: release %d of product %d: %w", ErrConsistencyFault, qty, productID, err)
	default:
		return fmt.Errorf("release product %d: %w", productID, err)
	}
}

func (s *ReservationService) lockUser(ctx context.Context, userID int64) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()

	unlock, err := s.userLocks.Lock(lockCtx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.metrics.LockTimedOut()
		return nil, fmt.Errorf("%w: user %d", ErrLockTimeout, userID)
	}
	return unlock, nil
}

// GetCartByUserID returns the user's cart with each line enriched from the catalog.
func (s *ReservationService) GetCartByUserID(ctx context.Context, userID int64) (*domain.CartView, error) {
	cart, err := s.carts.GetByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if cart == nil {
		return nil, &NotFoundError{Resource: "cart", ID: userID}
	}

	view := &domain.CartView{
		ID:         cart.ID,
		UserID:     cart.UserID,
		Revision:   cart.Revision,
		TotalPrice: cart.TotalPrice,
		Lines:      make([]domain.CartLine, 0, len(cart.Items)),
	}
	for _, ref := range cart.Items {
		line := domain.CartLine{ProductID: ref.ProductID, Quantity: ref.Quantity, Price: decimal.Zero, Subtotal: decimal.Zero}
		p, err := s.ledger.Lookup(ctx, ref.ProductID)
		if err != nil {
			return nil, fmt.Errorf("lookup product: %w", err)
		}
		if p != nil {
			line.Title = p.Title
			line.Price = p.Price
			line.Subtotal = p.Price.Mul(decimal.NewFromInt(int64(ref.Quantity)))
		}
		view.Lines = append(view.Lines, line)
	}
	return view, nil
}

func (s *ReservationService) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	p, err := s.ledger.Lookup(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("lookup product: %w", err)
	}
	if p == nil {
		return nil, &NotFoundError{Resource: "product", ID: productID}
	}
	return p, nil
}

func (s *ReservationService) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := s.ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

type noopMetrics struct{}

func (noopMetrics) CartMutated(domain.CartAction) {}
func (noopMetrics) UnitsReserved(int) {}
func (noopMetrics) UnitsReleased(int) {}
func (noopMetrics) ShortageRecorded() {}
func (noopMetrics) CheckoutCompleted(string) {}
func (noopMetrics) PublishFailed() {}
func (noopMetrics) LockTimedOut() {}
