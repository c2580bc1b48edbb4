package notify

import (
	"context"
	"encoding/json"
	"fmt"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"ofs/internal/model"
)

// producer is the part of *ck.Producer the SMS sender uses.
type producer interface {
	Produce(msg *ck.Message, deliveryChan chan ck.Event) error
	Flush(timeoutMs int) int
	Close()
}

// smsRequest is the record consumed by the SMS gateway.
type smsRequest struct {
	Event        model.NotificationEvent `json:"event"`
	OrderName    string                  `json:"orderName"`
	CustomerName string                  `json:"customerName"`
	PhoneNumber  string                  `json:"phoneNumber"`
	SplitID      string                  `json:"splitId,omitempty"`
	OrderStatus  model.OrderStatus       `json:"orderStatus,omitempty"`
}

// KafkaSMSSender hands SMS requests to the gateway through a Kafka topic and waits
// for the broker acknowledgement.
type KafkaSMSSender struct {
	p     producer
	topic string
}

// NewKafkaSMSSender opens an idempotent producer.
func NewKafkaSMSSender(bootstrap, topic string) (*KafkaSMSSender, error) {
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, fmt.Errorf("sms producer: %w", err)
	}
	return &KafkaSMSSender{p: p, topic: topic}, nil
}

// NewKafkaSMSSenderWith allows injecting a custom producer (for tests).
func NewKafkaSMSSenderWith(p producer, topic string) *KafkaSMSSender {
	return &KafkaSMSSender{p: p, topic: topic}
}

func (s *KafkaSMSSender) Send(ctx context.Context, msg Message, ev model.NotificationEvent) error {
	val, err := json.Marshal(smsRequest{
		Event:        ev,
		OrderName:    msg.OrderName,
		CustomerName: msg.CustomerName,
		PhoneNumber:  msg.Phone,
		SplitID:      msg.SplitID,
		OrderStatus:  msg.OrderStatus,
	})
	if err != nil {
		return fmt.Errorf("encode sms: %w", err)
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make([]ck.Header, 0, len(carrier)+1)
	headers = append(headers, ck.Header{Key: "event", Value: []byte(ev)})
	for k, v := range carrier {
		headers = append(headers, ck.Header{Key: k, Value: []byte(v)})
	}

	topic := s.topic
	delivery := make(chan ck.Event, 1)
	err = s.p.Produce(&ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &topic, Partition: ck.PartitionAny},
		Key:            []byte(msg.reference()),
		Value:          val,
		Headers:        headers,
	}, delivery)
	if err != nil {
		return &model.UpstreamError{Service: "sms", Op: "produce", Err: err}
	}
	select {
	case e := <-delivery:
		switch d := e.(type) {
		case *ck.Message:
			if d.TopicPartition.Error != nil {
				return &model.UpstreamError{Service: "sms", Op: "deliver", Err: d.TopicPartition.Error}
			}
			return nil
		case ck.Error:
			return &model.UpstreamError{Service: "sms", Op: "deliver", Err: d}
		default:
			return nil
		}
	case <-ctx.Done():
		return &model.UpstreamError{Service: "sms", Op: "deliver", Err: ctx.Err()}
	}
}

// Close flushes outstanding messages for up to five seconds.
func (s *KafkaSMSSender) Close() {
	_ = s.p.Flush(5000)
	s.p.Close()
}
