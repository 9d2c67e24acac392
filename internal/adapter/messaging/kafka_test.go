package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/rl1809/cart-reservation/internal/core/domain"
	"github.com/rl1809/cart-reservation/internal/port"
)

// Mock MessageWriter
type mockWriter struct {
	msgs []kafka.Message
	err  error
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *mockWriter) Close() error { return nil }

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &mockWriter{}
	p := NewKafkaPublisher(w)

	cart := domain.Cart{ID: 12, UserID: 3, Revision: 2, TotalPrice: decimal.NewFromInt(5)}
	ev := domain.NewCartReadyEvent(cart, time.Now())
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "12" {
		t.Errorf("expected key 12, got %s", msg.Key)
	}
	if headerValue(msg.Headers, headerMessageID) != ev.ID.String() {
		t.Error("expected message id header")
	}
	if headerValue(msg.Headers, headerType) != string(domain.EventCartReady) {
		t.Error("expected type header")
	}

	var decoded domain.Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if decoded.ID != ev.ID || decoded.Cart == nil || decoded.Cart.ID != 12 {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestKafkaPublisher_WriteFailure(t *testing.T) {
	p := NewKafkaPublisher(&mockWriter{err: errors.New("broker down")})

	err := p.Publish(context.Background(), domain.NewCartReadyEvent(domain.Cart{ID: 1}, time.Now()))
	if !errors.Is(err, port.ErrPublishUnavailable) {
		t.Errorf("expected ErrPublishUnavailable, got: %v", err)
	}
}

// Mock MessageReader: serves queued messages, then blocks until cancelled.
type mockReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (m *mockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	m.mu.Lock()
	if len(m.queue) > 0 {
		msg := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		return msg, nil
	}
	m.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (m *mockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.committed = append(m.committed, msg.Offset)
	}
	return nil
}

func (m *mockReader) Close() error { return nil }

func (m *mockReader) commits() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.committed...)
}

// Mock MessageHandler: returns the scripted decisions in order, then Ack.
type scriptedHandler struct {
	mu        sync.Mutex
	decisions []Decision
	seen      []string
}

func (h *scriptedHandler) Handle(ctx context.Context, messageID string, body []byte) Decision {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, messageID)
	if len(h.decisions) == 0 {
		return Ack
	}
	d := h.decisions[0]
	h.decisions = h.decisions[1:]
	return d
}

func (h *scriptedHandler) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func TestKafkaConsumer_CommitsAfterDecision(t *testing.T) {
	reader := &mockReader{queue: []kafka.Message{
		{Offset: 1, Value: []byte(`{"cartId": 1}`), Headers: []kafka.Header{{Key: headerMessageID, Value: []byte("a")}}},
		{Offset: 2, Topic: "users", Value: []byte(`{"cartId": 2}`)},
		{Offset: 3, Value: []byte(`bad`)},
	}}
	handler := &scriptedHandler{decisions: []Decision{Requeue, Ack, Ack, Reject}}
	c := NewKafkaConsumer(reader, handler, zerolog.Nop())
	c.retryBackoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(reader.commits()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out, committed %v", reader.commits())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned error: %v", err)
	}

	commits := reader.commits()
	if len(commits) != 3 || commits[0] != 1 || commits[1] != 2 || commits[2] != 3 {
		t.Errorf("unexpected commits %v", commits)
	}

	calls := handler.calls()
	if len(calls) != 4 {
		t.Fatalf("expected 4 handler calls, got %v", calls)
	}
	if calls[0] != "a" || calls[1] != "a" {
		t.Errorf("expected the requeued message to be retried, got %v", calls)
	}
	if calls[2] != "users/0/2" {
		t.Errorf("expected a derived message id, got %s", calls[2])
	}
}
