package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rl1809/cart-reservation/internal/core/domain"
)

func (e *testEnv) addItems(t *testing.T, userID int64, items map[int64]int) int64 {
	t.Helper()
	var cartID int64
	for productID, qty := range items {
		res, err := e.svc.AddOrAdjustItem(context.Background(), userID, productID, qty)
		if err != nil {
			t.Fatalf("add %d x%d failed: %v", productID, qty, err)
		}
		cartID = res.Cart.ID
	}
	return cartID
}

func TestCheckout_ReservesAndEmits(t *testing.T) {
	env := newTestEnv(t, product(1, "10", 10), product(2, "5", 10))
	cartID := env.addItems(t, 1, map[int64]int{1: 3, 2: 1})

	res, err := env.svc.Checkout(context.Background(), cartID)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if res.Partial() || res.Replayed {
		t.Errorf("expected a clean reservation, got %+v", res)
	}
	if res.Reserved[1] != 3 || res.Reserved[2] != 1 {
		t.Errorf("unexpected reserved units %v", res.Reserved)
	}

	p1 := env.stock(t, 1)
	if p1.AvailableQuantity != 7 || p1.ReservedQuantity != 3 {
		t.Errorf("expected 7/3, got %d/%d", p1.AvailableQuantity, p1.ReservedQuantity)
	}

	ready := env.events.ofType(domain.EventCartReady)
	if len(ready) != 1 {
		t.Fatalf("expected 1 cart.ready event, got %d", len(ready))
	}
	if ready[0].Cart == nil || ready[0].Cart.ID != cartID {
		t.Errorf("expected cart payload, got %+v", ready[0])
	}
	if ready[0].RoutingKey() != domain.RoutingKeyCartReady {
		t.Errorf("unexpected routing key %s", ready[0].RoutingKey())
	}
}

func TestCheckout_ShortageDoesNotAbort(t *testing.T) {
	env := newTestEnv(t, product(1, "10", 10), product(2, "5", 3))
	cartID := env.addItems(t, 1, map[int64]int{1: 2, 2: 3})

	// Another buyer drains product 2 after the cart was built.
	if ok, _, _ := env.ledger.Reserve(context.Background(), 2, 2); !ok {
		t.Fatal("setup reserve failed")
	}

	res, err := env.svc.Checkout(context.Background(), cartID)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if !res.Partial() {
		t.Fatal("expected a partial checkout")
	}
	if len(res.Shortages) != 1 {
		t.Fatalf("expected 1 shortage, got %d", len(res.Shortages))
	}
	notice := res.Shortages[0]
	if notice.Product.ProductID != 2 || notice.Product.Quantity != 3 || notice.AvailableQuantity != 1 {
		t.Errorf("unexpected shortage %+v", notice)
	}
	if res.Reserved[1] != 2 {
		t.Errorf("expected product 1 reserved, got %v", res.Reserved)
	}
	if _, held := res.Reserved[2]; held {
		t.Error("short line must not hold units")
	}

	shortages := env.events.ofType(domain.EventCartShortage)
	if len(shortages) != 1 || shortages[0].Error == nil {
		t.Fatalf("expected 1 shortage event with a notice, got %+v", shortages)
	}
	if shortages[0].Error.AvailableQuantity != 1 {
		t.Errorf("expected available 1, got %d", shortages[0].Error.AvailableQuantity)
	}
	if len(env.events.ofType(domain.EventCartReady)) != 1 {
		t.Error("expected the cart to be emitted despite the shortage")
	}
}

func TestCheckout_IdempotentPerRevision(t *testing.T) {
	env := newTestEnv(t, product(1, "10", 10))
	cartID := env.addItems(t, 1, map[int64]int{1: 4})
	ctx := context.Background()

	if _, err := env.svc.Checkout(ctx, cartID); err != nil {
		t.Fatalf("first checkout failed: %v", err)
	}
	first := env.events.published()

	res, err := env.svc.Checkout(ctx, cartID)
	if err != nil {
		t.Fatalf("second checkout failed: %v", err)
	}
	if !res.Replayed {
		t.Error("expected the second checkout to be a replay")
	}

	p := env.stock(t, 1)
	if p.AvailableQuantity != 6 || p.ReservedQuantity != 4 {
		t.Errorf("expected stock reserved once (6/4), got %d/%d", p.AvailableQuantity, p.ReservedQuantity)
	}

	all := env.events.published()
	if len(all) != 2*len(first) {
		t.Fatalf("expected events to be re-emitted, got %d", len(all))
	}
	for i := range first {
		if all[len(first)+i].ID != first[i].ID {
			t.Errorf("replayed event %d has a different id", i)
		}
	}
}

func TestCheckout_MergesNewRevision(t *testing.T) {
	env := newTestEnv(t, product(1, "10", 10), product(2, "1", 10))
	ctx := context.Background()
	cartID := env.addItems(t, 1, map[int64]int{1: 2, 2: 2})

	if _, err := env.svc.Checkout(ctx, cartID); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	// Grow one line, drop the other.
	if _, err := env.svc.AddOrAdjustItem(ctx, 1, 1, 1); err != nil {
		t.Fatalf("grow failed: %v", err)
	}
	if _, err := env.svc.AddOrAdjustItem(ctx, 1, 2, -2); err != nil {
		t.Fatalf("drop failed: %v", err)
	}

	res, err := env.svc.Checkout(ctx, cartID)
	if err != nil {
		t.Fatalf("second checkout failed: %v", err)
	}
	if res.Replayed {
		t.Error("a new revision must not be replayed")
	}
	if res.Reserved[1] != 3 || len(res.Reserved) != 1 {
		t.Errorf("unexpected holdings %v", res.Reserved)
	}

	if p := env.stock(t, 1); p.ReservedQuantity != 3 || p.AvailableQuantity != 7 {
		t.Errorf("product 1: expected 7/3, got %d/%d", p.AvailableQuantity, p.ReservedQuantity)
	}
	if p := env.stock(t, 2); p.ReservedQuantity != 0 || p.AvailableQuantity != 10 {
		t.Errorf("product 2: expected 10/0, got %d/%d", p.AvailableQuantity, p.ReservedQuantity)
	}

	// Shrink and check out again.
	if _, err := env.svc.AddOrAdjustItem(ctx, 1, 1, -2); err != nil {
		t.Fatalf("shrink failed: %v", err)
	}
	if _, err := env.svc.Checkout(ctx, cartID); err != nil {
		t.Fatalf("third checkout failed: %v", err)
	}
	if p := env.stock(t, 1); p.ReservedQuantity != 1 || p.AvailableQuantity != 9 {
		t.Errorf("product 1: expected 9/1, got %d/%d", p.AvailableQuantity, p.ReservedQuantity)
	}
}

func TestCheckout_NoOversellAcrossCarts(t *testing.T) {
	initialStock := 20
	totalCarts := 50
	env := newTestEnv(t, product(1, "1", initialStock))
	ctx := context.Background()

	cartIDs := make([]int64, totalCarts)
	for i := range cartIDs {
		cartIDs[i] = env.addItems(t, int64(i+1), map[int64]int{1: 1})
	}

	var reserved, short atomic.Int32
	var wg sync.WaitGroup
	for _, id := range cartIDs {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			res, err := env.svc.Checkout(ctx, id)
			if err != nil {
				t.Errorf("checkout %d failed: %v", id, err)
				return
			}
			if res.Partial() {
				short.Add(1)
			} else {
				reserved.Add(1)
			}
		}(id)
	}
	wg.Wait()

	if reserved.Load() != int32(initialStock) {
		t.Errorf("expected %d reserved carts, got %d", initialStock, reserved.Load())
	}
	if short.Load() != int32(totalCarts-initialStock) {
		t.Errorf("expected %d short carts, got %d", totalCarts-initialStock, short.Load())
	}

	p := env.stock(t, 1)
	if p.AvailableQuantity != 0 || p.ReservedQuantity != initialStock {
		t.Errorf("expected 0/%d, got %d/%d", initialStock, p.AvailableQuantity, p.ReservedQuantity)
	}
}

func TestCheckout_RaceForLastUnit(t *testing.T) {
	env := newTestEnv(t, product(1, "1", 1))
	ctx := context.Background()

	// Both adds pass because add-time only checks stock.
	a := env.addItems(t, 1, map[int64]int{1: 1})
	b := env.addItems(t, 2, map[int64]int{1: 1})

	var wg sync.WaitGroup
	results := make([]*CheckoutResult, 2)
	for i, id := range []int64{a, b} {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			res, err := env.svc.Checkout(ctx, id)
			if err != nil {
				t.Errorf("checkout failed: %v", err)
				return
			}
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	winners := 0
	for _, res := range results {
		if res != nil && !res.Partial() {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
	if len(env.events.ofType(domain.EventCartShortage)) != 1 {
		t.Error("expected the loser to receive a shortage event")
	}
}

func TestCheckout_PublishFailureKeepsReservation(t *testing.T) {
	env := newTestEnv(t, product(1, "1", 10))
	ctx := context.Background()
	cartID := env.addItems(t, 1, map[int64]int{1: 2})

	// Fail every attempt of the first checkout.
	env.events.fail = 2

	res, err := env.svc.Checkout(ctx, cartID)
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got: %v", err)
	}
	if !Retryable(err) {
		t.Error("expected publish failure to be retryable")
	}
	if res == nil || res.Reserved[1] != 2 {
		t.Fatalf("expected the committed result alongside the error, got %+v", res)
	}
	if p := env.stock(t, 1); p.ReservedQuantity != 2 {
		t.Errorf("expected reservation to stand, got reserved %d", p.ReservedQuantity)
	}

	res, err = env.svc.Checkout(ctx, cartID)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !res.Replayed {
		t.Error("expected the retry to replay")
	}
	if p := env.stock(t, 1); p.ReservedQuantity != 2 {
		t.Errorf("retry must not reserve again, got reserved %d", p.ReservedQuantity)
	}
	if len(env.events.ofType(domain.EventCartReady)) != 1 {
		t.Error("expected the cart to be emitted by the retry")
	}
}

func TestCheckout_PublishRetriesTransientFailure(t *testing.T) {
	env := newTestEnv(t, product(1, "1", 10))
	cartID := env.addItems(t, 1, map[int64]int{1: 1})
	env.events.fail = 1

	if _, err := env.svc.Checkout(context.Background(), cartID); err != nil {
		t.Fatalf("expected retry to recover, got: %v", err)
	}
	if len(env.events.ofType(domain.EventCartReady)) != 1 {
		t.Error("expected cart.ready after retry")
	}
}

func TestCheckout_ProductDeletedFromLedger(t *testing.T) {
	env := newTestEnv(t, product(1, "1", 10), product(2, "1", 10))
	cartID := env.addItems(t, 1, map[int64]int{1: 1, 2: 1})
	env.ledger.Remove(2)

	res, err := env.svc.Checkout(context.Background(), cartID)
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if len(res.Shortages) != 1 || res.Shortages[0].Product.ProductID != 2 || res.Shortages[0].AvailableQuantity != 0 {
		t.Errorf("expected a zero-available shortage for product 2, got %+v", res.Shortages)
	}
}

func TestCheckout_CartNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Checkout(context.Background(), 42)
	if !errors.Is(err, ErrCartNotFound) {
		t.Errorf("expected ErrCartNotFound, got: %v", err)
	}
	if KindOf(err) != KindNotFound {
		t.Errorf("expected not found kind, got %s", KindOf(err))
	}
	if _, err := env.svc.Checkout(context.Background(), 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got: %v", err)
	}
}
