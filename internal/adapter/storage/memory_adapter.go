package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/cart-reservation/internal/core/domain"
	"github.com/rl1809/cart-reservation/internal/port"
)

// MemoryLedger keeps counters per product. Each product has its own mutex; the map
// lock only guards membership, so reservations on different products never contend.
type MemoryLedger struct {
	mu       sync.RWMutex
	products map[int64]*ledgerEntry
}

type ledgerEntry struct {
	mu      sync.Mutex
	product domain.Product
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{products: make(map[int64]*ledgerEntry)}
}

func (m *MemoryLedger) SetProduct(_ context.Context, p domain.Product) error {
	if p.AvailableQuantity < 0 || p.ReservedQuantity < 0 {
		return fmt.Errorf("product %d: counters must not be negative", p.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.products[p.ID]; ok {
		e.mu.Lock()
		e.product = p
		e.mu.Unlock()
		return nil
	}
	m.products[p.ID] = &ledgerEntry{product: p}
	return nil
}

// Remove drops a product from the catalog. Carts that still reference it see a
// missing product at checkout.
func (m *MemoryLedger) Remove(productID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, productID)
}

func (m *MemoryLedger) entry(productID int64) *ledgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.products[productID]
}

func (m *MemoryLedger) Lookup(_ context.Context, productID int64) (*domain.Product, error) {
	e := m.entry(productID)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	p := e.product
	e.mu.Unlock()
	return &p, nil
}

func (m *MemoryLedger) List(_ context.Context) ([]domain.Product, error) {
	m.mu.RLock()
	entries := make([]*ledgerEntry, 0, len(m.products))
	for _, e := range m.products {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	products := make([]domain.Product, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		products = append(products, e.product)
		e.mu.Unlock()
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (m *MemoryLedger) Reserve(_ context.Context, productID int64, quantity int) (bool, int, error) {
	e := m.entry(productID)
	if e == nil {
		return false, 0, port.ErrProductMissing
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if quantity > e.product.AvailableQuantity {
		return false, e.product.AvailableQuantity, nil
	}
	e.product.AvailableQuantity -= quantity
	e.product.ReservedQuantity += quantity
	return true, e.product.AvailableQuantity, nil
}

func (m *MemoryLedger) Release(_ context.Context, productID int64, quantity int) error {
	e := m.entry(productID)
	if e == nil {
		return port.ErrProductMissing
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	moved := quantity
	if moved > e.product.ReservedQuantity {
		moved = e.product.ReservedQuantity
	}
	e.product.ReservedQuantity -= moved
	e.product.AvailableQuantity += moved
	if moved < quantity {
		return fmt.Errorf("%w: product %d released %d of %d", port.ErrReservedUnderflow, productID, moved, quantity)
	}
	return nil
}

type MemoryCartRepository struct {
	mu     sync.Mutex
	carts  map[int64]domain.Cart
	byUser map[int64]int64
	nextID int64
}

func NewMemoryCartRepository() *MemoryCartRepository {
	return &MemoryCartRepository{
		carts:  make(map[int64]domain.Cart),
		byUser: make(map[int64]int64),
	}
}

func (m *MemoryCartRepository) GetByUser(_ context.Context, userID int64) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUser[userID]
	if !ok {
		return nil, nil
	}
	c := m.carts[id].Clone()
	return &c, nil
}

func (m *MemoryCartRepository) GetByID(_ context.Context, cartID int64) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.carts[cartID]
	if !ok {
		return nil, nil
	}
	c := stored.Clone()
	return &c, nil
}

func (m *MemoryCartRepository) NextID(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID, nil
}

func (m *MemoryCartRepository) Upsert(_ context.Context, cart domain.Cart) error {
	if cart.ID <= 0 {
		return fmt.Errorf("upsert cart: id must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.carts[cart.ID]
	if !exists {
		if owner, taken := m.byUser[cart.UserID]; taken && owner != cart.ID {
			return port.ErrOptimisticLock
		}
		if cart.Revision != 1 {
			return port.ErrOptimisticLock
		}
	} else if stored.UserID != cart.UserID ||
		(stored.Revision != cart.Revision-1 && stored.Revision != cart.Revision) {
		return port.ErrOptimisticLock
	}

	m.carts[cart.ID] = cart.Clone()
	m.byUser[cart.UserID] = cart.ID
	return nil
}

func (m *MemoryCartRepository) DeleteIfEmpty(_ context.Context, cart domain.Cart) (bool, error) {
	if !cart.IsEmpty() {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.carts[cart.ID]
	if !ok {
		return false, nil
	}
	if stored.Revision != cart.Revision-1 {
		return false, port.ErrOptimisticLock
	}
	delete(m.carts, cart.ID)
	delete(m.byUser, stored.UserID)
	return true, nil
}

type MemoryReservationRepository struct {
	mu           sync.Mutex
	reservations map[int64]domain.Reservation
}

func NewMemoryReservationRepository() *MemoryReservationRepository {
	return &MemoryReservationRepository{reservations: make(map[int64]domain.Reservation)}
}

func (m *MemoryReservationRepository) Get(_ context.Context, cartID int64) (*domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[cartID]
	if !ok {
		return nil, nil
	}
	r = cloneReservation(r)
	return &r, nil
}

func (m *MemoryReservationRepository) Save(_ context.Context, r domain.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[r.CartID] = cloneReservation(r)
	return nil
}

func (m *MemoryReservationRepository) Delete(_ context.Context, cartID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, cartID)
	return nil
}

func cloneReservation(r domain.Reservation) domain.Reservation {
	items := make(map[int64]int, len(r.Items))
	for k, v := range r.Items {
		items[k] = v
	}
	r.Items = items
	r.Shortages = append([]domain.ShortageNotice(nil), r.Shortages...)
	return r
}

// MemoryIdempotencyStore is the in-process counterpart of the Redis SETNX keys.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	keys map[string]time.Time
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = idempotencyKeyTTL
	}
	return &MemoryIdempotencyStore{ttl: ttl, now: time.Now, keys: make(map[string]time.Time)}
}

func (m *MemoryIdempotencyStore) SetIdempotency(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.keys[key] = now.Add(m.ttl)
	return true, nil
}

func (m *MemoryIdempotencyStore) ClearIdempotency(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}
