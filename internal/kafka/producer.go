package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"killchain-advisor/internal/schema"
)

// ErrProducerClosed is returned by a closed producer.
var ErrProducerClosed = errors.New("kafka: producer is closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes case records to the case topic.
type Producer struct {
	writer   messageWriter
	config   *Config
	logger   *slog.Logger
	produced atomic.Int64
	retries  atomic.Int64
	closed   atomic.Bool
}

// NewProducer creates a producer for the configured topic.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  1,
		WriteTimeout: config.Producer.WriteTimeout,
		RequiredAcks: config.Producer.RequiredAcks(),
		Compression:  config.Producer.Codec(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized", "brokers", config.Brokers, "topic", config.Topic)
	return newProducer(writer, config, logger), nil
}

func newProducer(writer messageWriter, config *Config, logger *slog.Logger) *Producer {
	return &Producer{writer: writer, config: config, logger: logger}
}

// PublishCase sends one case keyed by its ID, so updates to a case stay on
// one partition and arrive in order.
func (p *Producer) PublishCase(ctx context.Context, c schema.Case) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if c.ID == "" {
		return errors.New("kafka: case id is required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal case: %w", err)
	}
	if len(data) > p.config.MaxMessageBytes {
		return fmt.Errorf("kafka: case %s is %d bytes, limit %d", c.ID, len(data), p.config.MaxMessageBytes)
	}
	return p.write(ctx, kafka.Message{Key: []byte(c.ID), Value: data, Time: time.Now()})
}

// write sends with exponential backoff between attempts.
func (p *Producer) write(ctx context.Context, msgs ...kafka.Message) error {
	var lastErr error
	backoff := p.config.Producer.RetryBackoff

	for attempt := 0; attempt <= p.config.Producer.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msgs...)
		if err == nil {
			p.produced.Add(int64(len(msgs)))
			return nil
		}
		lastErr = err
		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.Producer.MaxRetries+1,
		)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.Producer.MaxRetries+1, lastErr)
}

// Stats returns the producer counters.
func (p *Producer) Stats() Stats {
	return Stats{
		Produced: p.produced.Load(),
		Retries:  p.retries.Load(),
	}
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}
