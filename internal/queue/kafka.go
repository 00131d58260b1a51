package queue

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/outbound-orchestrator/internal/config"
)

// Kafka builds writers and administers topics for the configured brokers.
type Kafka struct {
	cfg    config.KafkaConfig
	dialer *kafka.Dialer
}

// NewKafka validates the broker list.
func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.EventTopic == "" {
		return nil, fmt.Errorf("kafka: event topic is empty")
	}
	return &Kafka{
		cfg:    cfg,
		dialer: &kafka.Dialer{Timeout: 10 * time.Second, ClientID: cfg.ClientID},
	}, nil
}

// NewWriter creates a synchronous writer for topic. Messages with the same
// key land on the same partition.
func (k *Kafka) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(k.cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: false,
		Transport:              &kafka.Transport{ClientID: k.cfg.ClientID},
	}
}

// Topics lists the topics the orchestrator writes to.
func (k *Kafka) Topics() []string {
	return []string{k.cfg.EventTopic}
}

// EnsureTopics creates missing topics through the cluster controller and
// returns the names it created.
func (k *Kafka) EnsureTopics(ctx context.Context, topics []string, partitions int, replicationFactor int) ([]string, error) {
	conn, err := k.dialer.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: dial: %w", err)
	}
	defer conn.Close()

	existing, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("kafka: read partitions: %w", err)
	}
	exists := make(map[string]bool, len(existing))
	for _, p := range existing {
		exists[p.Topic] = true
	}

	var missing []kafka.TopicConfig
	for _, topic := range topics {
		if exists[topic] {
			continue
		}
		missing = append(missing, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: replicationFactor,
		})
	}
	if len(missing) == 0 {
		return nil, nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return nil, fmt.Errorf("kafka: find controller: %w", err)
	}
	ctrl, err := k.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return nil, fmt.Errorf("kafka: dial controller: %w", err)
	}
	defer ctrl.Close()

	created := make([]string, 0, len(missing))
	for _, tc := range missing {
		if err := ctrl.CreateTopics(tc); err != nil {
			return created, fmt.Errorf("kafka: create topic %s: %w", tc.Topic, err)
		}
		created = append(created, tc.Topic)
	}
	return created, nil
}
