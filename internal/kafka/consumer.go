package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageHandler processes one consumed message. Returning nil commits the
// message. Returning an error wrapped by Reject also commits it, since
// retrying cannot help. Any other error is retried with backoff; the
// consumer does not move past the message until it commits.
type MessageHandler func(ctx context.Context, msg Message) error

// Message represents a consumed Kafka message.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

type rejectedError struct{ err error }

func (e *rejectedError) Error() string { return "rejected: " + e.err.Error() }
func (e *rejectedError) Unwrap() error { return e.err }

// Reject marks a handler error as permanent for the message.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejectedError{err: err}
}

// IsRejected reports whether err was produced by Reject.
func IsRejected(err error) bool {
	var r *rejectedError
	return errors.As(err, &r)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads case records from the configured topic.
type Consumer struct {
	reader  messageReader
	config  *Config
	logger  *slog.Logger
	handler MessageHandler
	metrics *consumerMetrics
	closed  atomic.Bool
	started atomic.Bool
}

type consumerMetrics struct {
	messagesConsumed atomic.Int64
	bytesConsumed    atomic.Int64
	rejected         atomic.Int64
	errors           atomic.Int64
	retries          atomic.Int64
	lastError        atomic.Value // errBox
	lastErrorTime    atomic.Value
}

// errBox keeps the atomic.Value type stable across error types.
type errBox struct{ err error }

// NewConsumer creates a consumer group reader for the case topic.
func NewConsumer(config *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}

	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.Consumer.Group,
		Topic:          config.Topic,
		Dialer:         dialer,
		MinBytes:       config.Consumer.MinBytes,
		MaxBytes:       config.Consumer.MaxBytes,
		MaxWait:        config.Consumer.MaxWait,
		StartOffset:    config.Consumer.StartOffset(),
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka consumer initialized",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"group", config.Consumer.Group,
	)

	return newConsumer(reader, config, handler, logger), nil
}

func newConsumer(reader messageReader, config *Config, handler MessageHandler, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:  reader,
		config:  config,
		logger:  logger,
		handler: handler,
		metrics: &consumerMetrics{},
	}
}

// Run consumes until ctx is cancelled or the consumer is closed. It blocks.
func (c *Consumer) Run(ctx context.Context) error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}
	c.logger.Info("starting kafka consumer", "topic", c.config.Topic, "group", c.config.Consumer.Group)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() {
				return ctx.Err()
			}
			c.recordError(err)
			c.logger.Error("failed to fetch message", "error", err, "topic", c.config.Topic)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		msg := Message{
			Topic:     km.Topic,
			Partition: km.Partition,
			Offset:    km.Offset,
			Key:       km.Key,
			Value:     km.Value,
			Time:      km.Time,
		}

		if err := c.processWithRetry(ctx, msg); err != nil {
			if !IsRejected(err) {
				// Stopped mid-retry. The message stays uncommitted and is
				// fetched again from the group offset on restart.
				c.logger.Warn("consumer stopped before message was processed",
					"partition", msg.Partition,
					"offset", msg.Offset,
				)
				if errors.Is(err, errConsumerClosed) {
					return nil
				}
				return err
			}
			c.metrics.rejected.Add(1)
			c.logger.Warn("message rejected",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}

		if err := c.reader.CommitMessages(ctx, km); err != nil {
			c.recordError(err)
			c.logger.Error("failed to commit offset", "error", err, "offset", km.Offset)
		}

		c.metrics.messagesConsumed.Add(1)
		c.metrics.bytesConsumed.Add(int64(len(km.Value) + len(km.Key)))
	}
}

var errConsumerClosed = errors.New("kafka: consumer closed")

// processWithRetry runs the handler until it succeeds or rejects the
// message. It returns ctx.Err() or errConsumerClosed if stopped first.
func (c *Consumer) processWithRetry(ctx context.Context, msg Message) error {
	backoff := c.config.Consumer.RetryBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	maxBackoff := max(c.config.Consumer.MaxRetryBackoff, backoff)

	for attempt := 1; ; attempt++ {
		err := c.process(ctx, msg)
		if err == nil || IsRejected(err) {
			return err
		}
		c.logger.Error("failed to process message, retrying",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", attempt,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if c.closed.Load() {
			return errConsumerClosed
		}
		c.metrics.retries.Add(1)
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Consumer) process(ctx context.Context, msg Message) error {
	if c.config.MaxMessageBytes > 0 && len(msg.Value) > c.config.MaxMessageBytes {
		return Reject(fmt.Errorf("message of %d bytes exceeds limit %d", len(msg.Value), c.config.MaxMessageBytes))
	}

	timeout := c.config.Consumer.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.handler(hctx, msg); err != nil {
		if !IsRejected(err) {
			c.recordError(err)
		}
		return err
	}
	return nil
}

func (c *Consumer) recordError(err error) {
	c.metrics.errors.Add(1)
	c.metrics.lastError.Store(errBox{err})
	c.metrics.lastErrorTime.Store(time.Now())
}

// Stats returns the consumer counters.
func (c *Consumer) Stats() Stats {
	m := Stats{
		Consumed: c.metrics.messagesConsumed.Load(),
		Bytes:    c.metrics.bytesConsumed.Load(),
		Rejected: c.metrics.rejected.Load(),
		Errors:   c.metrics.errors.Load(),
		Retries:  c.metrics.retries.Load(),
	}
	if b, ok := c.metrics.lastError.Load().(errBox); ok {
		m.LastError = b.err
	}
	if t, ok := c.metrics.lastErrorTime.Load().(time.Time); ok {
		m.LastErrorTime = t
	}
	return m
}

// Close stops the consumer and closes the reader.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Info("stopping kafka consumer",
		"messages_consumed", c.metrics.messagesConsumed.Load(),
		"rejected", c.metrics.rejected.Load(),
	)
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}
	return nil
}
