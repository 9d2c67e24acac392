package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/cart-reservation/internal/adapter/storage"
	"github.com/rl1809/cart-reservation/internal/core/service"
)

// Mock CheckoutRunner
type mockCheckout struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (m *mockCheckout) Checkout(ctx context.Context, cartID int64) (*service.CheckoutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, cartID)
	if m.err != nil {
		return nil, m.err
	}
	return &service.CheckoutResult{}, nil
}

func (m *mockCheckout) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newFinalizeHandler(checkout *mockCheckout) *FinalizeHandler {
	return NewFinalizeHandler(checkout, storage.NewMemoryIdempotencyStore(time.Minute), zerolog.Nop())
}

func TestFinalizeHandler_Success(t *testing.T) {
	checkout := &mockCheckout{}
	h := newFinalizeHandler(checkout)

	if d := h.Handle(context.Background(), "m1", []byte(`{"cartId": 7}`)); d != Ack {
		t.Errorf("expected ack, got %s", d)
	}
	if checkout.count() != 1 || checkout.calls[0] != 7 {
		t.Errorf("expected checkout of cart 7, got %v", checkout.calls)
	}
}

func TestFinalizeHandler_InvalidBody(t *testing.T) {
	checkout := &mockCheckout{}
	h := newFinalizeHandler(checkout)

	for _, body := range []string{`not json`, `{"cartId": 0}`, `{}`} {
		if d := h.Handle(context.Background(), "m1", []byte(body)); d != Reject {
			t.Errorf("body %q: expected reject, got %s", body, d)
		}
	}
	if checkout.count() != 0 {
		t.Error("invalid messages must not reach checkout")
	}
}

func TestFinalizeHandler_DuplicateMessage(t *testing.T) {
	checkout := &mockCheckout{}
	h := newFinalizeHandler(checkout)
	body := []byte(`{"cartId": 7}`)

	h.Handle(context.Background(), "m1", body)
	if d := h.Handle(context.Background(), "m1", body); d != Ack {
		t.Errorf("expected duplicate to be acked, got %s", d)
	}
	if checkout.count() != 1 {
		t.Errorf("expected one checkout, got %d", checkout.count())
	}
}

func TestFinalizeHandler_RetryableErrorRequeues(t *testing.T) {
	checkout := &mockCheckout{err: service.ErrChannelUnavailable}
	h := newFinalizeHandler(checkout)
	body := []byte(`{"cartId": 7}`)

	if d := h.Handle(context.Background(), "m1", body); d != Requeue {
		t.Errorf("expected requeue, got %s", d)
	}

	// The redelivery must not be swallowed as a duplicate.
	checkout.err = nil
	if d := h.Handle(context.Background(), "m1", body); d != Ack {
		t.Errorf("expected ack on redelivery, got %s", d)
	}
	if checkout.count() != 2 {
		t.Errorf("expected two checkouts, got %d", checkout.count())
	}
}

func TestFinalizeHandler_HandledFailuresAck(t *testing.T) {
	tests := []error{
		&service.NotFoundError{Resource: "cart", ID: 7},
		service.ErrInvalidArgument,
		service.ErrConsistencyFault,
	}
	for _, err := range tests {
		checkout := &mockCheckout{err: err}
		h := newFinalizeHandler(checkout)
		if d := h.Handle(context.Background(), "m1", []byte(`{"cartId": 7}`)); d != Ack {
			t.Errorf("%v: expected ack, got %s", err, d)
		}
	}
}

func TestFinalizeHandler_NoMessageID(t *testing.T) {
	checkout := &mockCheckout{}
	h := newFinalizeHandler(checkout)
	body := []byte(`{"cartId": 7}`)

	h.Handle(context.Background(), "", body)
	h.Handle(context.Background(), "", body)
	if checkout.count() != 2 {
		t.Errorf("expected both deliveries to run, got %d", checkout.count())
	}
}

func TestFinalizeHandler_InternalErrorRequeues(t *testing.T) {
	checkout := &mockCheckout{err: errors.New("connection reset")}
	h := newFinalizeHandler(checkout)

	if d := h.Handle(context.Background(), "m1", []byte(`{"cartId": 7}`)); d != Requeue {
		t.Errorf("expected requeue, got %s", d)
	}
}
