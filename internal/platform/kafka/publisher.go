package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	skafka "github.com/segmentio/kafka-go"
)

// Writer is the subset of kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Publisher writes JSON events keyed by their id. Events already published
// within the dedupe window are skipped so at-least-once callers can retry.
type Publisher struct {
	writer Writer
	seen   *cache.Cache
}

const dedupeWindow = 15 * time.Minute

func NewPublisher(brokers []string, topic string) *Publisher {
	w := &skafka.Writer{
		Addr:         skafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &skafka.Hash{},
		RequiredAcks: skafka.RequireAll,
	}
	return NewPublisherWithWriter(w)
}

// NewPublisherWithWriter allows injecting a test writer.
func NewPublisherWithWriter(w Writer) *Publisher {
	return &Publisher{
		writer: w,
		seen:   cache.New(dedupeWindow, 2*dedupeWindow),
	}
}

// Publish marshals value and writes it under key. id identifies the event for
// duplicate suppression.
func (p *Publisher) Publish(ctx context.Context, key, id string, value any) error {
	if _, dup := p.seen.Get(id); dup {
		return nil
	}

	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal kafka value: %w", err)
	}

	msg := skafka.Message{
		Key:   []byte(key),
		Value: b,
		Headers: []skafka.Header{
			{Key: "event_id", Value: []byte(id)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}

	p.seen.SetDefault(id, struct{}{})
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
