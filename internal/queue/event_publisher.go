package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/outbound-orchestrator/internal/domain"
)

// EventMessage is the Kafka representation of a lifecycle event.
type EventMessage struct {
	ID        string           `json:"id"`
	Type      domain.EventType `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
	Payload   json.RawMessage  `json:"payload"`
}

// EventPublisher mirrors lifecycle events onto a Kafka topic.
type EventPublisher struct {
	writer *kafka.Writer
}

// NewEventPublisher constructs an event publisher for the given topic.
func NewEventPublisher(k *Kafka, topic string) *EventPublisher {
	return &EventPublisher{writer: k.NewWriter(topic)}
}

// Publish writes one event. Events of the same campaign share a partition.
func (p *EventPublisher) Publish(ctx context.Context, ev *domain.Event) error {
	record, err := eventRecord(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("event publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}

func eventRecord(ev *domain.Event) (kafka.Message, error) {
	value, err := json.Marshal(EventMessage{
		ID:        ev.ID.String(),
		Type:      ev.Type,
		CreatedAt: ev.CreatedAt,
		Payload:   ev.Payload,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("event publisher: marshal message: %w", err)
	}
	return kafka.Message{
		Key:   partitionKey(ev),
		Value: value,
		Time:  ev.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}, nil
}

func partitionKey(ev *domain.Event) []byte {
	var subject struct {
		CampaignID string `json:"campaign_id"`
	}
	if err := json.Unmarshal(ev.Payload, &subject); err == nil && subject.CampaignID != "" {
		return []byte(subject.CampaignID)
	}
	return []byte(ev.ID.String())
}
