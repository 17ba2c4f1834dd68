// Package feed publishes accepted writes to a Kafka topic for downstream
// analytics consumers. Publishing is best-effort: a broker outage logs and
// drops, it never fails or delays an ingestion request.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer kafkaWriter
	logf   func(format string, args ...any)
}

// NewPublisher builds a firehose publisher from a comma-separated broker
// list. An empty list returns nil, which every method tolerates, so the
// gateway wires the feed unconditionally.
func NewPublisher(brokerCSV, topic string) *Publisher {
	brokers := []string{}
	for _, b := range strings.Split(brokerCSV, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 || strings.TrimSpace(topic) == "" {
		return nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Publisher{writer: w, logf: log.Printf}
}

type envelope struct {
	Kind string      `json:"kind"`
	At   string      `json:"at"`
	Data interface{} `json:"data"`
}

// Publish keys messages by kind so each consumer partition sees a stable
// ordering per event class.
func (p *Publisher) Publish(ctx context.Context, kind string, payload any) {
	if p == nil || p.writer == nil {
		return
	}
	value, err := json.Marshal(envelope{Kind: kind, At: time.Now().UTC().Format(time.RFC3339Nano), Data: payload})
	if err != nil {
		p.logf("feed: encode %s: %v", kind, err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(kind), Value: value}); err != nil {
		p.logf("feed: publish %s: %v", kind, err)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
