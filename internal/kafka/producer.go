package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"ms-capacity/internal/config"
	"ms-capacity/internal/logger"
	"ms-capacity/internal/models"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	Writer messageWriter
	Topics config.TopicConfig
	Logger *logger.Logger
}

// NewProducer builds a producer whose messages carry their own topic.
func NewProducer(brokers []string, topics config.TopicConfig, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Producer{Writer: writer, Topics: topics, Logger: log}
}

// Publish writes one message to topic.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

func (p *Producer) topicFor(t models.CapacityEventType) (string, error) {
	switch t {
	case models.CapacityEventReserved:
		return p.Topics.ReservationCreated, nil
	case models.CapacityEventConfirmed:
		return p.Topics.ReservationConfirmed, nil
	case models.CapacityEventReleased:
		return p.Topics.ReservationReleased, nil
	case models.CapacityEventAdjusted:
		return p.Topics.CapacityAdjusted, nil
	default:
		return "", fmt.Errorf("no topic for event type %q", t)
	}
}

// PublishCapacityEvent streams a committed capacity change. Messages are keyed
// by ledger row so changes to one row stay ordered within a partition.
func (p *Producer) PublishCapacityEvent(ctx context.Context, event models.CapacityEvent) error {
	topic, err := p.topicFor(event.Type)
	if err != nil {
		return err
	}

	msgBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	key := event.Capacity.ScheduleID + ":" + event.Capacity.VariantID
	if err := p.Publish(ctx, topic, key, msgBytes); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}

	p.Logger.LogKafka("PUBLISH", topic, fmt.Sprintf("%s key=%s", event.Type, key))
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
