package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/cart-reservation/internal/adapter/handler"
	"github.com/rl1809/cart-reservation/internal/adapter/messaging"
	"github.com/rl1809/cart-reservation/internal/adapter/metrics"
	"github.com/rl1809/cart-reservation/internal/adapter/storage"
	"github.com/rl1809/cart-reservation/internal/config"
	"github.com/rl1809/cart-reservation/internal/core/service"
	"github.com/rl1809/cart-reservation/internal/port"
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_FILE", "configs/config.yaml"), "path to the YAML config file")
	flag.Parse()

	if _, err := os.Stat(*configPath); errors.Is(err, os.ErrNotExist) {
		*configPath = ""
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}

	logger := newLogger(cfg)
	if *configPath == "" {
		logger.Warn().Msg("config file not found, using defaults and environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Log.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	logger := zerolog.New(out).With().Timestamp().Str("service", cfg.Service).Logger()
	zlog.Logger = logger
	return logger
}

// ledgerStore is a ledger the catalog can be seeded into.
type ledgerStore interface {
	port.InventoryLedger
	storage.ProductSetter
}

// backends holds the storage adapters and the closers for their connections.
type backends struct {
	ledger       ledgerStore
	carts        port.CartRepository
	reservations port.ReservationRepository
	idempotency  port.IdempotencyStore
	closers      []func() error
}

func (b *backends) close(logger zerolog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Error().Err(err).Msg("failed to close connection")
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}

	var db *sql.DB
	if cfg.Storage.Driver == config.DriverMySQL || cfg.Ledger.Driver == config.DriverMySQL {
		var err error
		db, err = sql.Open("mysql", cfg.Storage.MySQLDSN)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		b.closers = append(b.closers, db.Close)

		if err := db.PingContext(ctx); err != nil {
			b.close(logger)
			return nil, err
		}
		if err := storage.NewMySQLAdapter(db).EnsureSchema(ctx); err != nil {
			b.close(logger)
			return nil, err
		}
		logger.Info().Msg("connected to mysql")
	}

	switch cfg.Storage.Driver {
	case config.DriverMySQL:
		b.carts = storage.NewMySQLAdapter(db)
		b.reservations = storage.NewMySQLReservationRepository(db)
	default:
		b.carts = storage.NewMemoryCartRepository()
		b.reservations = storage.NewMemoryReservationRepository()
	}

	switch cfg.Ledger.Driver {
	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Ledger.RedisAddr,
			PoolSize: cfg.Ledger.RedisPoolSize,
		})
		b.closers = append(b.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			b.close(logger)
			return nil, err
		}
		logger.Info().Msg("connected to redis")

		redisAdapter := storage.NewRedisAdapter(rdb)
		b.ledger = redisAdapter
		b.idempotency = redisAdapter
	case config.DriverMySQL:
		b.ledger = storage.NewMySQLAdapter(db)
	default:
		b.ledger = storage.NewMemoryLedger()
	}
	if b.idempotency == nil {
		b.idempotency = storage.NewMemoryIdempotencyStore(cfg.Ledger.IdempotencyTTL)
	}

	return b, nil
}

// consumer is a long-running broker reader.
type consumer interface {
	Run(ctx context.Context) error
}

// openBroker returns the event publisher, the finalize consumer (nil without a
// broker) and a closer for the broker connection.
func openBroker(cfg *config.Config, handle messaging.MessageHandler, logger zerolog.Logger) (port.EventPublisher, consumer, func() error, error) {
	switch cfg.Broker.Driver {
	case config.DriverRabbitMQ:
		conn, ch, err := messaging.SetupConn(cfg.Broker.AMQPURL, cfg.Broker.Exchange, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		// Confirm mode is per channel, so the publisher gets its own.
		pubCh, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, nil, err
		}
		publisher, err := messaging.NewRabbitPublisher(pubCh, cfg.Broker.Exchange)
		if err != nil {
			conn.Close()
			return nil, nil, nil, err
		}
		c := messaging.NewRabbitConsumer(ch, messaging.ConsumerConfig{
			Exchange:     cfg.Broker.Exchange,
			Queue:        cfg.Broker.Queue,
			BindingKey:   cfg.Broker.BindingKey,
			Prefetch:     cfg.Broker.Prefetch,
			Workers:      cfg.Broker.Workers,
			RequeueDelay: cfg.Broker.RequeueDelay,
		}, handle, logger)
		logger.Info().Str("exchange", cfg.Broker.Exchange).Msg("connected to rabbitmq")
		return publisher, c, conn.Close, nil

	case config.DriverKafka:
		publisher := messaging.NewKafkaPublisher(messaging.NewKafkaWriter(cfg.Broker.KafkaBrokers, cfg.Broker.OrdersTopic))
		c := messaging.NewKafkaConsumer(
			messaging.NewKafkaReader(cfg.Broker.KafkaBrokers, cfg.Broker.FinalizeTopic, cfg.Broker.GroupID),
			handle, logger)
		closeAll := func() error {
			return errors.Join(c.Close(), publisher.Close())
		}
		logger.Info().Strs("brokers", cfg.Broker.KafkaBrokers).Msg("kafka configured")
		return publisher, c, closeAll, nil

	default:
		return messaging.NewLogPublisher(logger), nil, func() error { return nil }, nil
	}
}

// lazyHandler lets the consumer be built before the service it drives.
type lazyHandler struct {
	handler messaging.MessageHandler
}

func (l *lazyHandler) Handle(ctx context.Context, messageID string, body []byte) messaging.Decision {
	return l.handler.Handle(ctx, messageID, body)
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close(logger)

	if cfg.CatalogFile != "" {
		products, err := storage.LoadCatalog(cfg.CatalogFile)
		if err != nil {
			return err
		}
		if err := storage.SeedCatalog(ctx, b.ledger, products); err != nil {
			return err
		}
		logger.Info().Int("products", len(products)).Str("file", cfg.CatalogFile).Msg("catalog seeded")
	}

	finalize := &lazyHandler{}
	publisher, finalizeConsumer, closeBroker, err := openBroker(cfg, finalize, logger)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, closeBroker)

	cartService := service.NewReservationService(
		b.ledger,
		b.carts,
		b.reservations,
		publisher,
		service.Config{
			LockTimeout:     cfg.Engine.LockTimeout,
			PublishAttempts: cfg.Engine.PublishAttempts,
			PublishBackoff:  cfg.Engine.PublishBackoff,
		},
		service.WithLogger(logger.With().Str("component", "reservation_service").Logger()),
		service.WithMetrics(metrics.NewPrometheus(prometheus.DefaultRegisterer)),
	)
	finalize.handler = messaging.NewFinalizeHandler(cartService, b.idempotency, logger)

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	handler.RegisterCartServiceServer(grpcServer, handler.NewGRPCHandler(cartService))

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	// Initialize HTTP server
	mux := http.NewServeMux()
	handler.NewHTTPHandler(cartService, logger).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.GRPC.Addr).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if finalizeConsumer != nil {
		g.Go(func() error {
			return finalizeConsumer.Run(gctx)
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		logger.Info().Msg("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info().Msg("gRPC server stopped")
		return nil
	})

	return g.Wait()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
