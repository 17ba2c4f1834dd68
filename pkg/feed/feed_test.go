package feed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestNewPublisherDisabledWithoutBrokers(t *testing.T) {
	if p := NewPublisher("", "drshaq.tracking"); p != nil {
		t.Fatal("expected nil publisher without brokers")
	}
	if p := NewPublisher("localhost:9092", ""); p != nil {
		t.Fatal("expected nil publisher without topic")
	}
	// Nil publisher methods must be no-ops.
	var p *Publisher
	p.Publish(context.Background(), "event_ingested", map[string]string{"id": "e-1"})
	if err := p.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestPublishEnvelopesPayload(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w, logf: func(string, ...any) {}}
	p.Publish(context.Background(), "request_submitted", map[string]string{"id": "req-1"})

	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "request_submitted" {
		t.Fatalf("key = %q", w.msgs[0].Key)
	}
	var env envelope
	if err := json.Unmarshal(w.msgs[0].Value, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != "request_submitted" || env.At == "" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestPublishSwallowsBrokerErrors(t *testing.T) {
	logged := 0
	w := &fakeWriter{err: errors.New("broker down")}
	p := &Publisher{writer: w, logf: func(string, ...any) { logged++ }}
	p.Publish(context.Background(), "event_ingested", map[string]string{"id": "e-1"})
	if logged != 1 {
		t.Fatalf("expected logged failure, got %d", logged)
	}
}
