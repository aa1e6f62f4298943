// Package kafka publishes completion events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type keyed interface {
	Key() string
}

type attributed interface {
	Attributes() map[string]string
}

// Publisher wraps a Kafka writer. The writer is topic-less; each message names its topic.
type Publisher struct {
	writer       messageWriter
	defaultTopic string
	now          func() time.Time
}

// New creates a publisher for brokers. defaultTopic is used when Publish gets an empty topic.
func New(brokers []string, defaultTopic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	return NewWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}, defaultTopic), nil
}

// NewWithWriter builds a publisher using a custom writer (tests).
func NewWithWriter(writer messageWriter, defaultTopic string) *Publisher {
	return &Publisher{
		writer:       writer,
		defaultTopic: defaultTopic,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Publish writes payload as JSON. Payloads exposing Key and Attributes set the message key
// and headers, so events for one location stay ordered on one partition.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", fmt.Errorf("kafka topic is required")
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := kafka.Message{
		Topic: topic,
		Value: value,
		Time:  p.now(),
	}
	if k, ok := payload.(keyed); ok {
		msg.Key = []byte(k.Key())
	}
	if a, ok := payload.(attributed); ok {
		msg.Headers = headers(a.Attributes())
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return fmt.Sprintf("%s/%s", topic, msg.Key), nil
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

func headers(attrs map[string]string) []kafka.Header {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(attrs[k])})
	}
	return out
}
