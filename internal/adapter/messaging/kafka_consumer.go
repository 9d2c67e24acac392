package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
}

// KafkaConsumer reads finalize requests from a consumer group. An offset is only
// committed once the handler acks or rejects the message; a requeue retries the same
// message in place.
type KafkaConsumer struct {
	reader        MessageReader
	handler       MessageHandler
	logger        zerolog.Logger
	handleTimeout time.Duration
	retryBackoff  time.Duration
	maxBackoff    time.Duration
}

func NewKafkaConsumer(reader MessageReader, handler MessageHandler, logger zerolog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader:        reader,
		handler:       handler,
		logger:        logger.With().Str("component", "kafka_consumer").Logger(),
		handleTimeout: 10 * time.Second,
		retryBackoff:  500 * time.Millisecond,
		maxBackoff:    30 * time.Second,
	}
}

func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("consumer stopped")
				return nil
			}
			c.logger.Error().Err(err).Msg("could not fetch message, retrying")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		if !c.process(ctx, msg) {
			return nil
		}

		// The message is settled; commit even if shutdown has started.
		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit message")
		}
	}
}

// process handles msg until the handler acks or rejects it. It returns false when ctx
// ended before the message was settled.
func (c *KafkaConsumer) process(ctx context.Context, msg kafka.Message) bool {
	messageID := headerValue(msg.Headers, headerMessageID)
	if messageID == "" {
		messageID = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBackoff
	policy.MaxInterval = c.maxBackoff
	policy.MaxElapsedTime = 0

	for {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handleTimeout)
		decision := c.handler.Handle(hctx, messageID, msg.Value)
		cancel()

		if decision != Requeue {
			if decision == Reject {
				c.logger.Warn().Str("message_id", messageID).Int64("offset", msg.Offset).Msg("message rejected")
			}
			return true
		}

		if !sleep(ctx, policy.NextBackOff()) {
			return false
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
