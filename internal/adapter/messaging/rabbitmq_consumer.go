package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	DefaultQueue      = "products"
	DefaultBindingKey = "users.*"
)

type ConsumerConfig struct {
	Exchange      string
	Queue         string
	BindingKey    string
	Prefetch      int
	Workers       int
	HandleTimeout time.Duration
	RequeueDelay  time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.BindingKey == "" {
		c.BindingKey = DefaultBindingKey
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 2
	}
	if c.Workers <= 0 {
		c.Workers = c.Prefetch
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = 10 * time.Second
	}
	return c
}

// RabbitConsumer reads finalize requests from a durable queue and hands them to a
// pool of workers. Deliveries are acked manually after the handler decides.
type RabbitConsumer struct {
	ch      *amqp.Channel
	cfg     ConsumerConfig
	handler MessageHandler
	logger  zerolog.Logger
}

func NewRabbitConsumer(ch *amqp.Channel, cfg ConsumerConfig, handler MessageHandler, logger zerolog.Logger) *RabbitConsumer {
	return &RabbitConsumer{
		ch:      ch,
		cfg:     cfg.withDefaults(),
		handler: handler,
		logger:  logger.With().Str("component", "rabbitmq_consumer").Logger(),
	}
}

// Run consumes until ctx is done or the channel closes. In-flight deliveries are
// finished before Run returns.
func (c *RabbitConsumer) Run(ctx context.Context) error {
	q, err := c.ch.QueueDeclare(
		c.cfg.Queue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("could not declare queue: %w", err)
	}

	err = c.ch.QueueBind(
		q.Name,           // queue name
		c.cfg.BindingKey, // routing key
		c.cfg.Exchange,   // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("could not bind queue: %w", err)
	}

	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("could not set qos: %w", err)
	}

	msgs, err := c.ch.Consume(
		q.Name, // queue
		"",     // consumer tag
		false,  // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("could not start consume: %w", err)
	}

	jobs := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.workerLoop(id, jobs)
		}(i)
	}
	c.logger.Info().Str("queue", q.Name).Int("workers", c.cfg.Workers).Msg("consumer started")

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case d, ok := <-msgs:
			if !ok {
				runErr = errors.New("rabbitmq delivery channel closed")
				break loop
			}
			jobs <- d
		}
	}

	close(jobs)
	wg.Wait()
	c.logger.Info().Msg("consumer stopped")
	return runErr
}

func (c *RabbitConsumer) workerLoop(id int, jobs <-chan amqp.Delivery) {
	for d := range jobs {
		// Detached from the consumer context so shutdown drains in-flight work.
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandleTimeout)
		decision := c.handler.Handle(ctx, d.MessageId, d.Body)
		cancel()

		var err error
		switch decision {
		case Ack:
			err = d.Ack(false)
		case Requeue:
			if c.cfg.RequeueDelay > 0 {
				time.Sleep(c.cfg.RequeueDelay)
			}
			err = d.Nack(false, true)
		default:
			err = d.Reject(false)
		}
		if err != nil {
			c.logger.Error().Err(err).Int("worker", id).Str("message_id", d.MessageId).Msg("failed to settle delivery")
		}
	}
}
