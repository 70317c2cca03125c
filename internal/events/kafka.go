package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	headerType   = "event-type"
	headerPostID = "post-id"
)

// Producer is the subset of *kgo.Client the sink uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaSink publishes events as JSON records keyed by job id, so every event
// of one job lands on the same partition in order.
type KafkaSink struct {
	producer Producer
	topic    string
}

func NewKafkaSink(producer Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (k *KafkaSink) Publish(ctx context.Context, e JobEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(e.JobID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: headerType, Value: []byte(e.Type)},
			{Key: headerPostID, Value: []byte(e.PostID)},
		},
	}
	if err := k.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish event %s for %s: %w", e.Type, e.JobID, err)
	}
	return nil
}

// NewKafkaClient connects a franz-go client to brokers with topic as the
// default produce topic.
func NewKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
	)
}
