// Package orders talks to the commerce platform that owns orders.
package orders

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"ofs/internal/httpjson"
	"ofs/internal/model"
)

// Source is the order platform contract.
type Source interface {
	FindOrder(ctx context.Context, orderID string) (model.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	ConfirmFulfillment(ctx context.Context, fulfillmentOrderID string) error
}

// HTTPClient implements Source over the platform's JSON API.
type HTTPClient struct {
	c *httpjson.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{c: httpjson.New("orders", baseURL, timeout)}
}

func NewHTTPClientWith(c *httpjson.Client) *HTTPClient { return &HTTPClient{c: c} }

func (h *HTTPClient) FindOrder(ctx context.Context, orderID string) (model.Order, error) {
	var o model.Order
	err := h.c.Do(ctx, "find order", http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &o,
		model.NotFoundError{Entity: model.EntityOrder, ID: orderID})
	if err != nil {
		return model.Order{}, err
	}
	if o.ID == "" {
		o.ID = orderID
	}
	return o, nil
}

func (h *HTTPClient) CancelOrder(ctx context.Context, orderID string) error {
	return h.c.Do(ctx, "cancel order", http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/cancel", nil, nil,
		model.NotFoundError{Entity: model.EntityOrder, ID: orderID})
}

func (h *HTTPClient) ConfirmFulfillment(ctx context.Context, fulfillmentOrderID string) error {
	return h.c.Do(ctx, "confirm fulfillment", http.MethodPost,
		"/fulfillment-orders/"+url.PathEscape(fulfillmentOrderID)+"/confirm", nil, nil,
		model.NotFoundError{Entity: model.EntityOrder, ID: fulfillmentOrderID})
}

// Memory is an in-process Source. It records cancellations and confirmations and
// can be told to fail them, which the planner and lifecycle tests rely on.
type Memory struct {
	mu         sync.Mutex
	orders     map[string]model.Order
	cancelled  []string
	confirmed  []string
	CancelErr  error
	ConfirmErr error
}

func NewMemory(orders ...model.Order) *Memory {
	m := &Memory{orders: make(map[string]model.Order)}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *Memory) Put(o model.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

func (m *Memory) FindOrder(_ context.Context, orderID string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return model.Order{}, model.NotFoundError{Entity: model.EntityOrder, ID: orderID}
	}
	return o, nil
}

func (m *Memory) CancelOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *Memory) ConfirmFulfillment(_ context.Context, fulfillmentOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConfirmErr != nil {
		return m.ConfirmErr
	}
	m.confirmed = append(m.confirmed, fulfillmentOrderID)
	return nil
}

// Cancelled returns the order ids cancelled so far.
func (m *Memory) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

// Confirmed returns the fulfillment order ids confirmed so far.
func (m *Memory) Confirmed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.confirmed...)
}
