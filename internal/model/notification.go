package model

import "time"

// NotificationEvent names the customer-facing message sent for a transition.
type NotificationEvent string

const (
	EventConfirmation   NotificationEvent = "confirmation"
	EventOnHold         NotificationEvent = "on_hold"
	EventOutForDelivery NotificationEvent = "out_for_delivery"
	EventDelivered      NotificationEvent = "delivered"
	EventCancelled      NotificationEvent = "cancelled"
)

// AllNotificationEvents lists every event in send order.
var AllNotificationEvents = []NotificationEvent{
	EventConfirmation,
	EventOnHold,
	EventOutForDelivery,
	EventDelivered,
	EventCancelled,
}

// OrderInfo is created once per order regardless of the number of splits.
type OrderInfo struct {
	OrderID      string                     `json:"orderId"`
	ReferenceID  string                     `json:"referenceId"`
	PaymentType  string                     `json:"paymentType,omitempty"`
	DeliveryType string                     `json:"deliveryType,omitempty"`
	Sent         map[NotificationEvent]bool `json:"sent"`
	CreatedAt    time.Time                  `json:"createdAt"`
}

// NewOrderInfo builds bookkeeping for an order with every notification marked unsent.
func NewOrderInfo(o Order, now time.Time) OrderInfo {
	sent := make(map[NotificationEvent]bool, len(AllNotificationEvents))
	for _, ev := range AllNotificationEvents {
		sent[ev] = false
	}
	return OrderInfo{
		OrderID:      o.ID,
		ReferenceID:  o.Number,
		PaymentType:  o.PaymentType,
		DeliveryType: o.DeliveryType,
		Sent:         sent,
		CreatedAt:    now.UTC(),
	}
}

// Notification log channels and outcomes.
const (
	ChannelSMS      = "sms"
	ChannelEmail    = "email"
	ChannelFeed     = "feed"
	ChannelCoverage = "coverage_gap"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// NotificationLog records a notification attempt or an unattended job outcome.
type NotificationLog struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Reference string    `json:"reference"`
	Event     string    `json:"event"`
	Outcome   string    `json:"outcome"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
