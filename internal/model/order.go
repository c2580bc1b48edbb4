package model

import "strings"

// Order is the commerce platform's view of a placed order. It is read-only input.
type Order struct {
	ID                 string     `json:"id"`
	Number             string     `json:"number"`
	LineItems          []LineItem `json:"lineItems"`
	ShippingAddress    Address    `json:"shippingAddress"`
	Customer           Customer   `json:"customer"`
	Tags               []string   `json:"tags,omitempty"`
	FinancialStatus    string     `json:"financialStatus"`
	PaymentType        string     `json:"paymentType,omitempty"`
	DeliveryType       string     `json:"deliveryType,omitempty"`
	DraftOrderID       string     `json:"draftOrderId,omitempty"`
	FulfillmentOrderID string     `json:"fulfillmentOrderId,omitempty"`
}

// LineItem is a single requested sku and quantity.
type LineItem struct {
	ID       string `json:"id"`
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}

// Address carries the parts of a shipping address the core needs.
type Address struct {
	Name    string `json:"name,omitempty"`
	Line1   string `json:"line1,omitempty"`
	City    string `json:"city,omitempty"`
	Pincode string `json:"pincode"`
	Phone   string `json:"phone,omitempty"`
}

// Customer identifies who receives notifications for an order.
type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

// Normalize trims identifiers and drops line items that request nothing.
// The input is not modified.
func Normalize(o Order) Order {
	out := o
	out.ShippingAddress.Pincode = strings.TrimSpace(o.ShippingAddress.Pincode)
	out.LineItems = make([]LineItem, 0, len(o.LineItems))
	for _, li := range o.LineItems {
		li.SKU = strings.TrimSpace(li.SKU)
		if li.SKU == "" || li.Quantity <= 0 {
			continue
		}
		out.LineItems = append(out.LineItems, li)
	}
	if out.Number == "" {
		out.Number = o.ID
	}
	return out
}

// RequestedBySKU sums requested quantities per sku.
func (o Order) RequestedBySKU() map[string]int64 {
	out := make(map[string]int64, len(o.LineItems))
	for _, li := range o.LineItems {
		out[li.SKU] += li.Quantity
	}
	return out
}
