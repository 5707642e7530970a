// Package outbox publishes events committed to the outbox table. Delivery is
// at least once: an event is marked processed only after the broker took it.
package outbox

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"order-fulfillment/metrics"
	"order-fulfillment/model"
)

const (
	DefaultTopic = "order-events"
	batchSize    = 100
)

type Store interface {
	PendingEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkEventsProcessed(ctx context.Context, ids []string) error
}

// Writer is the part of *kafka.Writer the poller uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ParseBrokers splits a comma separated broker list, dropping blanks.
func ParseBrokers(csv string) []string {
	brokers := []string{}
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// LogWriter stands in for a broker when none is configured: it logs each
// message and accepts it.
type LogWriter struct{}

func (LogWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		slog.Info("outbox event", "key", string(m.Key), "event_type", header(m, "event_type"), "payload", string(m.Value))
	}
	return nil
}

func (LogWriter) Close() error { return nil }

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

type Poller struct {
	store   Store
	writer  Writer
	metrics *metrics.Metrics
	tick    time.Duration
}

func NewPoller(store Store, w Writer, m *metrics.Metrics, tick time.Duration) *Poller {
	if tick <= 0 {
		tick = time.Second
	}
	return &Poller{store: store, writer: w, metrics: m, tick: tick}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := p.Flush(ctx); err != nil {
				slog.Error("outbox flush failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Flush publishes one batch of pending events and returns how many were
// marked processed. An event the broker refused stays pending for the next
// tick.
func (p *Poller) Flush(ctx context.Context) (int, error) {
	events, err := p.store.PendingEvents(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	done := make([]string, 0, len(events))
	for _, e := range events {
		msg := kafka.Message{
			Key:   []byte(e.AggregateID),
			Value: e.Payload,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(e.EventType)},
				{Key: "event_id", Value: []byte(e.ID)},
			},
			Time: e.CreatedAt,
		}
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			p.metrics.OutboxPublished.WithLabelValues("error").Inc()
			slog.Warn("outbox publish failed", "event_id", e.ID, "event_type", e.EventType, "error", err)
			continue
		}
		p.metrics.OutboxPublished.WithLabelValues("ok").Inc()
		done = append(done, e.ID)
	}
	if len(done) == 0 {
		return 0, nil
	}
	if err := p.store.MarkEventsProcessed(ctx, done); err != nil {
		return 0, err
	}
	return len(done), nil
}

func (p *Poller) Close() error {
	return p.writer.Close()
}
