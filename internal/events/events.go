// Package events publishes split order transitions after they are committed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"ofs/internal/changelog"
	"ofs/internal/model"
)

// SplitEvent describes one committed change of a split's status. From is empty on creation.
type SplitEvent struct {
	SplitID string            `json:"splitId"`
	OrderID string            `json:"orderId"`
	StoreID string            `json:"storeId"`
	From    model.OrderStatus `json:"from,omitempty"`
	To      model.OrderStatus `json:"to"`
	Version int64             `json:"version"`
	At      time.Time         `json:"at"`
}

// Transition builds the event for s having moved from `from` to its current status.
func Transition(s model.SplitOrder, from model.OrderStatus, at time.Time) SplitEvent {
	return SplitEvent{
		SplitID: s.SplitID,
		OrderID: s.OrderID,
		StoreID: s.StoreID,
		From:    from,
		To:      s.OrderStatus,
		Version: s.Version,
		At:      at.UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev SplitEvent) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, SplitEvent) error { return nil }

// LogPublisher writes events to the log, for deployments without Kafka.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev SplitEvent) error {
	p.Logger.Info("split transition",
		zap.String("split_id", ev.SplitID),
		zap.String("order_id", ev.OrderID),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)),
		zap.Int64("version", ev.Version))
	return nil
}

// messageWriter abstracts kafka.Writer for testability.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes events keyed by split id so a split's events stay ordered.
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(bootstrap, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:         kafka.TCP(changelog.SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

// NewKafkaPublisherWith is only for tests to inject a fake writer.
func NewKafkaPublisherWith(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev SplitEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make([]kafka.Header, 0, len(carrier))
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(ev.SplitID), Value: b, Headers: headers}); err != nil {
		return &model.UpstreamError{Service: "events", Op: "publish", Err: err}
	}
	return nil
}

// Close closes the underlying writer when it supports it.
func (p *KafkaPublisher) Close() error {
	if c, ok := p.w.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
