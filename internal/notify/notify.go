// Package notify sends customer notifications for order and split transitions.
// Delivery is best effort: failures are logged and written to the notification
// log, never returned to the transition that triggered them.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ofs/internal/metrics"
	"ofs/internal/model"
	"ofs/internal/repo"
)

// Message carries what the senders need to address and render a notification.
type Message struct {
	OrderID      string            `json:"orderId"`
	OrderName    string            `json:"orderName"`
	CustomerName string            `json:"customerName"`
	Phone        string            `json:"phoneNumber"`
	Email        string            `json:"email,omitempty"`
	SplitID      string            `json:"splitId,omitempty"`
	OrderStatus  model.OrderStatus `json:"orderStatus,omitempty"`
}

// OrderMessage addresses an order-level notification.
func OrderMessage(o model.Order) Message {
	return Message{
		OrderID:      o.ID,
		OrderName:    o.Number,
		CustomerName: o.Customer.Name,
		Phone:        o.Customer.Phone,
		Email:        o.Customer.Email,
	}
}

// SplitMessage addresses a notification about one split.
func SplitMessage(s model.SplitOrder) Message {
	return Message{
		OrderID:      s.OrderID,
		OrderName:    s.OrderReferenceID,
		CustomerName: s.Customer.Name,
		Phone:        s.Customer.Phone,
		Email:        s.Customer.Email,
		SplitID:      s.SplitID,
		OrderStatus:  s.OrderStatus,
	}
}

func (m Message) reference() string {
	if m.SplitID != "" {
		return m.SplitID
	}
	return m.OrderID
}

type SMSSender interface {
	Send(ctx context.Context, msg Message, ev model.NotificationEvent) error
}

type EmailSender interface {
	SendEmail(ctx context.Context, msg Message) error
}

// Notifier is what the planner and the lifecycle depend on.
type Notifier interface {
	Notify(ctx context.Context, ev model.NotificationEvent, msg Message)
}

// emailEvents lists the events that also send a status email.
var emailEvents = map[model.NotificationEvent]bool{
	model.EventDelivered: true,
}

// Dispatcher fans a notification out to SMS and, for some events, email.
type Dispatcher struct {
	sms     SMSSender
	email   EmailSender
	logs    repo.NotificationLogRepository
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }
func WithMetrics(m *metrics.Registry) Option { return func(d *Dispatcher) { d.metrics = m } }
func WithTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.timeout = t } }
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// NewDispatcher builds a dispatcher. A nil sender disables its channel.
func NewDispatcher(sms SMSSender, email EmailSender, logs repo.NotificationLogRepository, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sms:     sms,
		email:   email,
		logs:    logs,
		timeout: 5 * time.Second,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Notify sends ev to the customer. Each attempt is bounded by the dispatcher
// timeout and recorded in the notification log. Failed sends are not retried.
func (d *Dispatcher) Notify(ctx context.Context, ev model.NotificationEvent, msg Message) {
	if d.sms != nil {
		if msg.Phone == "" {
			d.logger.Warn("sms skipped, no phone number", zap.String("ref", msg.reference()), zap.String("event", string(ev)))
		} else {
			err := d.attempt(ctx, func(ctx context.Context) error { return d.sms.Send(ctx, msg, ev) })
			d.record(ctx, model.ChannelSMS, ev, msg, err)
		}
	}
	if d.email != nil && emailEvents[ev] {
		if msg.Email == "" {
			d.logger.Warn("email skipped, no address", zap.String("ref", msg.reference()), zap.String("event", string(ev)))
			return
		}
		err := d.attempt(ctx, func(ctx context.Context) error { return d.email.SendEmail(ctx, msg) })
		d.record(ctx, model.ChannelEmail, ev, msg, err)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return fn(ctx)
}

func (d *Dispatcher) record(ctx context.Context, channel string, ev model.NotificationEvent, msg Message, sendErr error) {
	entry := model.NotificationLog{
		ID:        uuid.NewString(),
		Channel:   channel,
		Reference: msg.reference(),
		Event:     string(ev),
		Outcome:   model.OutcomeSuccess,
		CreatedAt: d.now().UTC(),
	}
	if sendErr != nil {
		entry.Outcome = model.OutcomeFailure
		entry.Message = sendErr.Error()
		d.logger.Error("notification failed",
			zap.String("channel", channel), zap.String("event", string(ev)),
			zap.String("order_id", msg.OrderID), zap.String("split_id", msg.SplitID), zap.Error(sendErr))
	}
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues(channel, entry.Outcome).Inc()
	}
	if d.logs == nil {
		return
	}
	if err := d.logs.AppendNotification(ctx, entry); err != nil {
		d.logger.Error("write notification log failed", zap.String("ref", entry.Reference), zap.Error(fmt.Errorf("%s %s: %w", channel, ev, err)))
	}
}
