package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-capacity/internal/logger"
	"ms-capacity/internal/models"

	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OrderEventHandler processes one decoded order event. A returned error is
// treated as transient: the message is retried and not committed.
type OrderEventHandler interface {
	HandleOrderEvent(ctx context.Context, topic string, event models.OrderEvent) error
}

type Consumer struct {
	reader     messageReader
	topic      string
	log        *logger.Logger
	retryDelay time.Duration
}

// NewConsumer creates a new Kafka consumer for the given topic and group
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: reader, topic: topic, log: log, retryDelay: 2 * time.Second}
}

// Run consumes until ctx is cancelled. Offsets are committed only after the
// handler succeeds or the message is undecodable.
func (c *Consumer) Run(ctx context.Context, handler OrderEventHandler) error {
	c.log.LogKafka("START", c.topic, "Consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.log.Error("KAFKA", fmt.Sprintf("Error reading from %s: %v", c.topic, err))
			if !c.wait(ctx) {
				return nil
			}
			continue
		}

		var event models.OrderEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.log.Error("KAFKA", fmt.Sprintf("Dropping undecodable message on %s at offset %d: %v", c.topic, msg.Offset, err))
			c.commit(ctx, msg)
			continue
		}

		topic := msg.Topic
		if topic == "" {
			topic = c.topic
		}
		for {
			err := handler.HandleOrderEvent(ctx, topic, event)
			if err == nil {
				break
			}
			c.log.Warn("KAFKA", fmt.Sprintf("Handling order %s from %s failed, retrying: %v", event.OrderID, c.topic, err))
			if !c.wait(ctx) {
				return nil
			}
		}
		c.commit(ctx, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		c.log.Error("KAFKA", fmt.Sprintf("Commit on %s at offset %d failed: %v", c.topic, msg.Offset, err))
	}
}

func (c *Consumer) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryDelay):
		return true
	}
}

// Close gracefully shuts down the Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
