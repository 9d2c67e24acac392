package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/cart-reservation/internal/core/domain"
	"github.com/rl1809/cart-reservation/internal/port"
)

const (
	productKeyPrefix  = "product:"
	productIndexKey   = "products:ids"
	idempotencyPrefix = "idempotency:"
	idempotencyKeyTTL = 24 * time.Hour
)

// Returns {1, available} on success, {0, available} when short, {-1, 0} when missing.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

local available = redis.call('HGET', key, 'available')
if not available then
	return {-1, 0}
end

available = tonumber(available)
if available >= quantity then
	redis.call('HINCRBY', key, 'available', -quantity)
	redis.call('HINCRBY', key, 'reserved', quantity)
	return {1, available - quantity}
end

return {0, available}
`)

// Returns {moved, requested}; moved < requested means the release was clamped.
// {-1, 0} when the product is missing.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

local reserved = redis.call('HGET', key, 'reserved')
if not reserved then
	return {-1, 0}
end

reserved = tonumber(reserved)
local moved = quantity
if reserved < quantity then
	moved = reserved
end

redis.call('HINCRBY', key, 'reserved', -moved)
redis.call('HINCRBY', key, 'available', moved)
return {moved, quantity}
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func productKey(productID int64) string {
	return productKeyPrefix + strconv.FormatInt(productID, 10)
}

func (r *RedisAdapter) SetProduct(ctx context.Context, p domain.Product) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, productKey(p.ID),
			"id", p.ID,
			"title", p.Title,
			"price", p.Price.String(),
			"available", p.AvailableQuantity,
			"reserved", p.ReservedQuantity,
			"max_orderable", p.MaxOrderableQuantity,
		)
		pipe.SAdd(ctx, productIndexKey, p.ID)
		return nil
	})
	return err
}

func (r *RedisAdapter) Lookup(ctx context.Context, productID int64) (*domain.Product, error) {
	fields, err := r.client.HGetAll(ctx, productKey(productID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseProduct(productID, fields)
}

func (r *RedisAdapter) List(ctx context.Context) ([]domain.Product, error) {
	ids, err := r.client.SMembers(ctx, productIndexKey).Result()
	if err != nil {
		return nil, err
	}

	cmds := make(map[int64]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range ids {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("bad product id %q in index: %w", raw, err)
			}
			cmds[id] = pipe.HGetAll(ctx, productKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	products := make([]domain.Product, 0, len(cmds))
	for id, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		p, err := parseProduct(id, fields)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (r *RedisAdapter) Reserve(ctx context.Context, productID int64, quantity int) (bool, int, error) {
	res, err := reserveScript.Run(ctx, r.client, []string{productKey(productID)}, quantity).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("reserve script returned %d values", len(res))
	}
	if res[0] < 0 {
		return false, 0, port.ErrProductMissing
	}
	return res[0] == 1, int(res[1]), nil
}

func (r *RedisAdapter) Release(ctx context.Context, productID int64, quantity int) error {
	res, err := releaseScript.Run(ctx, r.client, []string{productKey(productID)}, quantity).Int64Slice()
	if err != nil {
		return err
	}
	if len(res) != 2 {
		return fmt.Errorf("release script returned %d values", len(res))
	}
	if res[0] < 0 {
		return port.ErrProductMissing
	}
	if res[0] < res[1] {
		return fmt.Errorf("%w: product %d released %d of %d", port.ErrReservedUnderflow, productID, res[0], res[1])
	}
	return nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyPrefix+key).Err()
}

func parseProduct(id int64, fields map[string]string) (*domain.Product, error) {
	p := &domain.Product{ID: id, Title: fields["title"], Price: decimal.Zero}

	var err error
	if raw, ok := fields["price"]; ok && raw != "" {
		if p.Price, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("product %d price: %w", id, err)
		}
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"available", &p.AvailableQuantity},
		{"reserved", &p.ReservedQuantity},
		{"max_orderable", &p.MaxOrderableQuantity},
	}
	for _, f := range ints {
		raw, ok := fields[f.name]
		if !ok {
			continue
		}
		if *f.dst, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("product %d %s: %w", id, f.name, err)
		}
	}
	if p.AvailableQuantity < 0 || p.ReservedQuantity < 0 {
		return nil, errors.New("product " + strconv.FormatInt(id, 10) + " has negative counters")
	}
	return p, nil
}
