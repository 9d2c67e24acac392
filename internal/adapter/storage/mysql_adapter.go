package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/cart-reservation/internal/core/domain"
	"github.com/rl1809/cart-reservation/internal/port"
)

const mysqlDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id BIGINT PRIMARY KEY,
		title VARCHAR(255) NOT NULL,
		price DECIMAL(12,2) NOT NULL DEFAULT 0,
		available_quantity INT NOT NULL DEFAULT 0,
		reserved_quantity INT NOT NULL DEFAULT 0,
		max_orderable_quantity INT NOT NULL DEFAULT 0,
		version INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK (available_quantity >= 0),
		CHECK (reserved_quantity >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS cart_ids (
		id BIGINT AUTO_INCREMENT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS carts (
		id BIGINT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		items JSON NOT NULL,
		total_price DECIMAL(14,2) NOT NULL DEFAULT 0,
		revision BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE KEY uq_carts_user (user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS cart_reservations (
		cart_id BIGINT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		revision BIGINT NOT NULL,
		items JSON NOT NULL,
		shortages JSON NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) SetProduct(ctx context.Context, p domain.Product) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, title, price, available_quantity, reserved_quantity, max_orderable_quantity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE title = VALUES(title), price = VALUES(price),
			available_quantity = VALUES(available_quantity), reserved_quantity = VALUES(reserved_quantity),
			max_orderable_quantity = VALUES(max_orderable_quantity), version = version + 1`,
		p.ID, p.Title, p.Price, p.AvailableQuantity, p.ReservedQuantity, p.MaxOrderableQuantity,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) Lookup(ctx context.Context, productID int64) (*domain.Product, error) {
	var p domain.Product
	err := m.db.QueryRowContext(ctx, `
		SELECT id, title, price, available_quantity, reserved_quantity, max_orderable_quantity
		FROM products WHERE id = ?`, productID,
	).Scan(&p.ID, &p.Title, &p.Price, &p.AvailableQuantity, &p.ReservedQuantity, &p.MaxOrderableQuantity)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (m *MySQLAdapter) List(ctx context.Context) ([]domain.Product, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, title, price, available_quantity, reserved_quantity, max_orderable_quantity
		FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Title, &p.Price, &p.AvailableQuantity, &p.ReservedQuantity, &p.MaxOrderableQuantity); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (m *MySQLAdapter) Reserve(ctx context.Context, productID int64, quantity int) (bool, int, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE products
		SET available_quantity = available_quantity - ?, reserved_quantity = reserved_quantity + ?,
			version = version + 1, updated_at = NOW()
		WHERE id = ? AND available_quantity >= ?`,
		quantity, quantity, productID, quantity,
	)
	if err != nil {
		return false, 0, fmt.Errorf("reserve stock: %w", err)
	}

	rows, _ := result.RowsAffected()
	available, err := m.available(ctx, productID)
	if err != nil {
		return false, 0, err
	}
	return rows == 1, available, nil
}

func (m *MySQLAdapter) available(ctx context.Context, productID int64) (int, error) {
	var available int
	err := m.db.QueryRowContext(ctx, `SELECT available_quantity FROM products WHERE id = ?`, productID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, port.ErrProductMissing
	}
	if err != nil {
		return 0, fmt.Errorf("query available: %w", err)
	}
	return available, nil
}

func (m *MySQLAdapter) Release(ctx context.Context, productID int64, quantity int) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var reserved int
	err = tx.QueryRowContext(ctx, `SELECT reserved_quantity FROM products WHERE id = ? FOR UPDATE`, productID).Scan(&reserved)
	if errors.Is(err, sql.ErrNoRows) {
		return port.ErrProductMissing
	}
	if err != nil {
		return fmt.Errorf("lock product: %w", err)
	}

	moved := min(quantity, reserved)
	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET available_quantity = available_quantity + ?, reserved_quantity = reserved_quantity - ?,
			version = version + 1, updated_at = NOW()
		WHERE id = ?`,
		moved, moved, productID,
	)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if moved < quantity {
		return fmt.Errorf("%w: product %d released %d of %d", port.ErrReservedUnderflow, productID, moved, quantity)
	}
	return nil
}

func (m *MySQLAdapter) GetByUser(ctx context.Context, userID int64) (*domain.Cart, error) {
	return m.queryCart(ctx, `
		SELECT id, user_id, items, total_price, revision, created_at, updated_at
		FROM carts WHERE user_id = ?`, userID)
}

func (m *MySQLAdapter) GetByID(ctx context.Context, cartID int64) (*domain.Cart, error) {
	return m.queryCart(ctx, `
		SELECT id, user_id, items, total_price, revision, created_at, updated_at
		FROM carts WHERE id = ?`, cartID)
}

func (m *MySQLAdapter) queryCart(ctx context.Context, query string, arg int64) (*domain.Cart, error) {
	var (
		c     domain.Cart
		items []byte
	)
	err := m.db.QueryRowContext(ctx, query, arg).
		Scan(&c.ID, &c.UserID, &items, &c.TotalPrice, &c.Revision, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}
	if err := json.Unmarshal(items, &c.Items); err != nil {
		return nil, fmt.Errorf("decode cart items: %w", err)
	}
	return &c, nil
}

func (m *MySQLAdapter) NextID(ctx context.Context) (int64, error) {
	result, err := m.db.ExecContext(ctx, `INSERT INTO cart_ids () VALUES ()`)
	if err != nil {
		return 0, fmt.Errorf("allocate cart id: %w", err)
	}
	return result.LastInsertId()
}

func (m *MySQLAdapter) Upsert(ctx context.Context, cart domain.Cart) error {
	items, err := json.Marshal(cart.Items)
	if err != nil {
		return fmt.Errorf("encode cart items: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRowContext(ctx, `SELECT revision FROM carts WHERE id = ? FOR UPDATE`, cart.ID).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if cart.Revision != 1 {
			return port.ErrOptimisticLock
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO carts (id, user_id, items, total_price, revision, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cart.ID, cart.UserID, items, cart.TotalPrice, cart.Revision, cart.CreatedAt, cart.UpdatedAt,
		)
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return port.ErrOptimisticLock
		}
		if err != nil {
			return fmt.Errorf("insert cart: %w", err)
		}

	case err != nil:
		return fmt.Errorf("lock cart: %w", err)

	default:
		if stored != cart.Revision-1 && stored != cart.Revision {
			return port.ErrOptimisticLock
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE carts SET items = ?, total_price = ?, revision = ?, updated_at = ?
			WHERE id = ? AND user_id = ?`,
			items, cart.TotalPrice, cart.Revision, cart.UpdatedAt, cart.ID, cart.UserID,
		)
		if err != nil {
			return fmt.Errorf("update cart: %w", err)
		}
	}

	return tx.Commit()
}

func (m *MySQLAdapter) DeleteIfEmpty(ctx context.Context, cart domain.Cart) (bool, error) {
	if !cart.IsEmpty() {
		return false, nil
	}

	result, err := m.db.ExecContext(ctx, `DELETE FROM carts WHERE id = ? AND revision = ?`, cart.ID, cart.Revision-1)
	if err != nil {
		return false, fmt.Errorf("delete cart: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 1 {
		return true, nil
	}

	existing, err := m.GetByID(ctx, cart.ID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, port.ErrOptimisticLock
	}
	return false, nil
}

// MySQLReservationRepository stores checkout reservation records.
type MySQLReservationRepository struct {
	db *sql.DB
}

func NewMySQLReservationRepository(db *sql.DB) *MySQLReservationRepository {
	return &MySQLReservationRepository{db: db}
}

func (m *MySQLReservationRepository) Get(ctx context.Context, cartID int64) (*domain.Reservation, error) {
	var (
		r                domain.Reservation
		items, shortages []byte
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT cart_id, user_id, revision, items, shortages, updated_at
		FROM cart_reservations WHERE cart_id = ?`, cartID,
	).Scan(&r.CartID, &r.UserID, &r.Revision, &items, &shortages, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return nil, fmt.Errorf("decode reservation items: %w", err)
	}
	if err := json.Unmarshal(shortages, &r.Shortages); err != nil {
		return nil, fmt.Errorf("decode reservation shortages: %w", err)
	}
	return &r, nil
}

func (m *MySQLReservationRepository) Save(ctx context.Context, r domain.Reservation) error {
	if r.Items == nil {
		r.Items = map[int64]int{}
	}
	if r.Shortages == nil {
		r.Shortages = []domain.ShortageNotice{}
	}
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fmt.Errorf("encode reservation items: %w", err)
	}
	shortages, err := json.Marshal(r.Shortages)
	if err != nil {
		return fmt.Errorf("encode reservation shortages: %w", err)
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO cart_reservations (cart_id, user_id, revision, items, shortages, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE user_id = VALUES(user_id), revision = VALUES(revision),
			items = VALUES(items), shortages = VALUES(shortages), updated_at = VALUES(updated_at)`,
		r.CartID, r.UserID, r.Revision, items, shortages, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save reservation: %w", err)
	}
	return nil
}

func (m *MySQLReservationRepository) Delete(ctx context.Context, cartID int64) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM cart_reservations WHERE cart_id = ?`, cartID); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}
