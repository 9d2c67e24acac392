package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/cart-reservation/internal/adapter/messaging"
	"github.com/rl1809/cart-reservation/internal/adapter/storage"
	"github.com/rl1809/cart-reservation/internal/core/domain"
	"github.com/rl1809/cart-reservation/internal/core/service"
	"github.com/rl1809/cart-reservation/internal/port"
)

const (
	productID     = 9100
	initialStock  = 20
	totalRequests = 50
)

type ledgerStore interface {
	port.InventoryLedger
	storage.ProductSetter
}

func main() {
	ledgerDriver := flag.String("ledger", "memory", "ledger driver: memory or redis")
	redisAddr := flag.String("redis", "localhost:6379", "redis address for the redis ledger")
	flag.Parse()

	ctx := context.Background()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)

	var ledger ledgerStore
	switch *ledgerDriver {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		ledger = storage.NewRedisAdapter(rdb)
	default:
		ledger = storage.NewMemoryLedger()
	}

	err := ledger.SetProduct(ctx, domain.Product{
		ID:                productID,
		Title:             "stress-item",
		Price:             decimal.NewFromInt(100),
		AvailableQuantity: initialStock,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set stock")
	}

	cartService := service.NewReservationService(
		ledger,
		storage.NewMemoryCartRepository(),
		storage.NewMemoryReservationRepository(),
		messaging.NewLogPublisher(logger),
		service.DefaultConfig(),
		service.WithLogger(logger),
	)

	// Every user passes the add-time stock check: add only checks, it never reserves.
	cartIDs := make([]int64, totalRequests)
	var addFailed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := cartService.AddOrAdjustItem(ctx, int64(i+1), productID, 1)
			if err != nil {
				addFailed.Add(1)
				return
			}
			cartIDs[i] = res.Cart.ID
		}(i)
	}
	wg.Wait()

	// Counters
	var reservedCount atomic.Int32
	var shortCount atomic.Int32
	var errorCount atomic.Int32

	start := time.Now()
	for _, id := range cartIDs {
		if id == 0 {
			continue
		}
		wg.Add(1)
		go func(cartID int64) {
			defer wg.Done()

			res, err := cartService.Checkout(ctx, cartID)
			switch {
			case err != nil:
				errorCount.Add(1)
			case res.Partial():
				shortCount.Add(1)
			default:
				reservedCount.Add(1)
			}
		}(id)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Replays must not move the ledger.
	for _, id := range cartIDs {
		if id == 0 {
			continue
		}
		wg.Add(1)
		go func(cartID int64) {
			defer wg.Done()
			if res, err := cartService.Checkout(ctx, cartID); err != nil || !res.Replayed {
				errorCount.Add(1)
			}
		}(id)
	}
	wg.Wait()

	reserved := reservedCount.Load()
	short := shortCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Ledger:           %s\n", *ledgerDriver)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Carts:      %d\n", totalRequests)
	fmt.Printf("Add Failures:     %d\n", addFailed.Load())
	fmt.Printf("Reserved:         %d\n", reserved)
	fmt.Printf("Shortages:        %d\n", short)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Checkout Time:    %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	if reserved == int32(initialStock) && short == int32(totalRequests-initialStock) && errorCount.Load() == 0 {
		fmt.Printf("PASS: Exactly %d carts reserved, %d short\n", initialStock, totalRequests-initialStock)
	} else {
		failed = true
		fmt.Printf("FAIL: Expected %d reserved/%d short, got %d/%d (%d errors)\n",
			initialStock, totalRequests-initialStock, reserved, short, errorCount.Load())
	}

	p, err := ledger.Lookup(ctx, productID)
	if err != nil || p == nil {
		logger.Fatal().Err(err).Msg("failed to read final stock")
	}
	fmt.Printf("Final Stock:      %d available / %d reserved\n", p.AvailableQuantity, p.ReservedQuantity)

	if p.AvailableQuantity == 0 && p.ReservedQuantity == initialStock {
		fmt.Println("PASS: Stock fully reserved, nothing oversold")
	} else {
		failed = true
		fmt.Printf("FAIL: Expected 0/%d, got %d/%d\n", initialStock, p.AvailableQuantity, p.ReservedQuantity)
	}

	if failed {
		os.Exit(1)
	}
}
