// Package kafka mirrors pipeline events onto a Kafka topic for external
// subscribers. The mirror is fire-and-forget from the pipeline's point of
// view: the event log, not Kafka, is the source of truth.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ecociel/labelling/domain"
)

// Record header keys.
const (
	HeaderTenant = "tenant"
	HeaderKind   = "kind"
	HeaderTask   = "task"
)

// Producer is the slice of kgo.Client the publisher needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Publisher writes events to one topic, keyed by tenant so a tenant's
// events land on one partition in order.
type Publisher struct {
	producer Producer
	topic    string
}

// NewPublisher wraps a producer for the topic.
func NewPublisher(producer Producer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

// PublishSync mirrors one event.
func (p *Publisher) PublishSync(ctx context.Context, ev domain.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.TenantID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderTenant, Value: []byte(ev.TenantID)},
			{Key: HeaderKind, Value: []byte(ev.Kind)},
			{Key: HeaderTask, Value: []byte(ev.TaskRef)},
		},
	}
	if err := p.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// NewClient builds a producer-only client for the topic.
func NewClient(brokers []string, topic string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}
