package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pipemend-io/pipemend/internal/config"
)

// Consumer defaults.
const (
	defaultTopic       = "pipeline-events"
	defaultGroupID     = "pipemend-healing-core"
	defaultMinBytes    = 1
	defaultMaxBytes    = 10 * 1024 * 1024
	defaultMaxWait     = 500 * time.Millisecond
	defaultBrokersCSV  = "localhost:9092"
	consumerCloseGrace = 5 * time.Second
)

// ErrConsumerClosed indicates Run was called on a closed consumer.
var ErrConsumerClosed = errors.New("event consumer closed")

type (
	// ConsumerConfig holds the Kafka intake settings.
	ConsumerConfig struct {
		// Brokers lists the bootstrap brokers.
		Brokers []string

		// Topic carries orchestrator execution events.
		Topic string

		// GroupID is the consumer group; one group shares the healing core's
		// intake across replicas.
		GroupID string

		// MinBytes, MaxBytes, and MaxWait tune fetch batching.
		MinBytes int
		MaxBytes int
		MaxWait  time.Duration

		// Logger receives structured logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// Consumer reads execution events from Kafka and feeds them to the
	// handler. Offsets are committed after handling, so store failures are
	// redelivered; structurally invalid messages are logged and committed
	// so one poison message cannot wedge the partition.
	Consumer struct {
		reader  *kafka.Reader
		handler *Handler
		logger  *slog.Logger
	}
)

// LoadConsumerConfig loads the Kafka intake settings from environment
// variables with sensible defaults for local development.
func LoadConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		Brokers:  config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", defaultBrokersCSV)),
		Topic:    config.GetEnvStr("KAFKA_EVENTS_TOPIC", defaultTopic),
		GroupID:  config.GetEnvStr("KAFKA_CONSUMER_GROUP", defaultGroupID),
		MinBytes: config.GetEnvInt("KAFKA_MIN_BYTES", defaultMinBytes),
		MaxBytes: config.GetEnvInt("KAFKA_MAX_BYTES", defaultMaxBytes),
		MaxWait:  config.GetEnvDuration("KAFKA_MAX_WAIT", defaultMaxWait),
	}
}

// Validate checks the consumer configuration.
func (c *ConsumerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("at least one Kafka broker is required")
	}

	if c.Topic == "" {
		return errors.New("events topic is required")
	}

	if c.GroupID == "" {
		return errors.New("consumer group id is required")
	}

	return nil
}

// NewConsumer creates a Kafka consumer over the given handler.
func NewConsumer(cfg *ConsumerConfig, handler *Handler) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer configuration: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	})

	return &Consumer{
		reader:  reader,
		handler: handler,
		logger:  logger,
	}, nil
}

// Run consumes events until the context is cancelled. It returns nil on
// cancellation and the fetch error otherwise.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("event consumer started",
		slog.String("topic", c.reader.Config().Topic),
		slog.String("group_id", c.reader.Config().GroupID),
	)

	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return fmt.Errorf("failed to fetch event message: %w", err)
		}

		if err := c.process(ctx, message); err != nil {
			// Leave the offset uncommitted; the message is redelivered
			// after the group rebalances or the consumer restarts.
			c.logger.Error("event handling failed; message will be redelivered",
				slog.String("topic", message.Topic),
				slog.Int("partition", message.Partition),
				slog.Int64("offset", message.Offset),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("failed to commit event offset: %w", err)
		}
	}
}

// process decodes and handles one message. Poison messages (undecodable or
// structurally invalid) return nil after logging so their offset commits.
func (c *Consumer) process(ctx context.Context, message kafka.Message) error {
	var event ExecutionEvent

	if err := json.Unmarshal(message.Value, &event); err != nil {
		c.logger.Warn("skipping undecodable event message",
			slog.Int("partition", message.Partition),
			slog.Int64("offset", message.Offset),
			slog.String("error", err.Error()),
		)

		return nil
	}

	err := c.handler.Handle(ctx, event)
	if err == nil {
		return nil
	}

	if isPoison(err) {
		c.logger.Warn("skipping invalid event message",
			slog.Int("partition", message.Partition),
			slog.Int64("offset", message.Offset),
			slog.String("execution_id", event.ExecutionID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	return err
}

// Close releases the Kafka reader. Safe to call while Run is blocked; the
// pending fetch returns an error and Run exits.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// isPoison reports whether the error is a permanent property of the message
// itself, never fixed by redelivery.
func isPoison(err error) bool {
	return errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrUnknownScope) ||
		errors.Is(err, ErrUnknownStatus)
}
