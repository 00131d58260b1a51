package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-orchestrator/internal/config"
	"github.com/acme/outbound-orchestrator/internal/domain"
)

func TestEventRecordKeysByCampaign(t *testing.T) {
	campaignID := uuid.New()
	ev := &domain.Event{
		ID:        uuid.New(),
		Type:      domain.EventCallCompleted,
		Payload:   json.RawMessage(`{"campaign_id":"` + campaignID.String() + `","attempt":2}`),
		CreatedAt: time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC),
	}

	record, err := eventRecord(ev)
	require.NoError(t, err)
	assert.Equal(t, campaignID.String(), string(record.Key))
	assert.Equal(t, ev.CreatedAt, record.Time)

	var msg EventMessage
	require.NoError(t, json.Unmarshal(record.Value, &msg))
	assert.Equal(t, ev.ID.String(), msg.ID)
	assert.Equal(t, domain.EventCallCompleted, msg.Type)
	assert.JSONEq(t, string(ev.Payload), string(msg.Payload))
}

func TestEventRecordFallsBackToEventID(t *testing.T) {
	ev := &domain.Event{
		ID:      uuid.New(),
		Type:    domain.EventWebhookTest,
		Payload: json.RawMessage(`{"message":"ping"}`),
	}
	record, err := eventRecord(ev)
	require.NoError(t, err)
	assert.Equal(t, ev.ID.String(), string(record.Key))
}

func TestNewKafkaValidatesConfig(t *testing.T) {
	_, err := NewKafka(config.KafkaConfig{EventTopic: "outbound.events"})
	assert.Error(t, err)

	_, err = NewKafka(config.KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	k, err := NewKafka(config.KafkaConfig{Brokers: []string{"localhost:9092"}, EventTopic: "outbound.events", ClientID: "test"})
	require.NoError(t, err)
	assert.Equal(t, []string{"outbound.events"}, k.Topics())

	w := k.NewWriter("outbound.events")
	assert.Equal(t, "outbound.events", w.Topic)
	assert.False(t, w.AllowAutoTopicCreation)
	require.NoError(t, w.Close())
}
