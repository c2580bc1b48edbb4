package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a split order.
type OrderStatus string

const (
	StatusNew            OrderStatus = "new"
	StatusOnHold         OrderStatus = "on_hold"
	StatusReadyForPickup OrderStatus = "ready_for_pickup"
	StatusOutForDelivery OrderStatus = "out_for_delivery"
	StatusDelivered      OrderStatus = "delivered"
	StatusCancelled      OrderStatus = "cancel"
)

// HoldStatus is the on-hold sub-state.
type HoldStatus string

const (
	HoldNone   HoldStatus = ""
	HoldOpen   HoldStatus = "open"
	HoldClosed HoldStatus = "closed"
)

// Carrier status values reported by the logistics provider.
const (
	CarrierAccepted  = "ACCEPTED"
	CarrierCancelled = "CANCELLED"
)

// SplitLineItem is the part of an order line item shipped by one store.
type SplitLineItem struct {
	LineItemID string `json:"lineItemId"`
	SKU        string `json:"sku"`
	Quantity   int64  `json:"quantity"`
	StoreID    string `json:"storeId"`
}

// Payout is the carrier's quote for a delivery task.
type Payout struct {
	Price decimal.Decimal `json:"price"`
	Tax   decimal.Decimal `json:"tax"`
	Total decimal.Decimal `json:"total"`
}

// TPL holds third-party logistics state for a split.
type TPL struct {
	TaskID     string  `json:"taskId,omitempty"`
	Status     string  `json:"status,omitempty"`
	StatusCode string  `json:"statusCode,omitempty"`
	Message    string  `json:"message,omitempty"`
	Error      string  `json:"error,omitempty"`
	Payout     *Payout `json:"payout,omitempty"`
}

// SplitOrder is the per-store shipment created from an order.
type SplitOrder struct {
	SplitID            string           `json:"splitId"`
	OrderID            string           `json:"orderId"`
	OrderReferenceID   string           `json:"orderReferenceId"`
	FulfillmentOrderID string           `json:"fulfillmentOrderId,omitempty"`
	StoreID            string           `json:"storeId"`
	StoreCode          string           `json:"storeCode"`
	Pincode            string           `json:"pincode,omitempty"`
	Customer           Customer         `json:"customer"`
	LineItems          []SplitLineItem  `json:"lineItems"`
	OrderStatus        OrderStatus      `json:"orderStatus"`
	OnHoldStatus       HoldStatus       `json:"onHoldStatus,omitempty"`
	OnHoldComment      string           `json:"onHoldComment,omitempty"`
	TimeStamps         map[string]int64 `json:"timeStamps"`
	TPL                TPL              `json:"tpl"`
	UpstreamCancelled  bool             `json:"upstreamCancelled,omitempty"`
	StockRestored      bool             `json:"stockRestored,omitempty"`
	Version            int64            `json:"version"`
}

// SplitID derives the deterministic split identifier {orderNumber}-{storeCode}.
func SplitID(orderNumber, storeCode string) string {
	return fmt.Sprintf("%s-%s", orderNumber, storeCode)
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Stamp records the time an event happened. Existing entries are kept; a repeated
// event is stored under a numbered suffix so the map stays a full audit trail.
func (s *SplitOrder) Stamp(event string, atMillis int64) {
	if s.TimeStamps == nil {
		s.TimeStamps = make(map[string]int64)
	}
	key := event
	for n := 2; ; n++ {
		if _, exists := s.TimeStamps[key]; !exists {
			break
		}
		key = fmt.Sprintf("%s#%d", event, n)
	}
	s.TimeStamps[key] = atMillis
}

// TotalQuantity sums the quantities of all line items.
func (s SplitOrder) TotalQuantity() int64 {
	var total int64
	for _, li := range s.LineItems {
		total += li.Quantity
	}
	return total
}

// Clone returns a deep copy.
func (s SplitOrder) Clone() SplitOrder {
	out := s
	out.LineItems = append([]SplitLineItem(nil), s.LineItems...)
	if s.TimeStamps != nil {
		out.TimeStamps = make(map[string]int64, len(s.TimeStamps))
		for k, v := range s.TimeStamps {
			out.TimeStamps[k] = v
		}
	}
	if s.TPL.Payout != nil {
		p := *s.TPL.Payout
		out.TPL.Payout = &p
	}
	return out
}
