package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ofs/internal/httpjson"
	"ofs/internal/model"
)

func newClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClientWith(httpjson.NewWith("orders", srv.URL, srv.Client()))
}

func TestFindOrder_Decodes(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/o1" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(model.Order{
			Number:          "1001",
			LineItems:       []model.LineItem{{ID: "l1", SKU: "SKU-1", Quantity: 2}},
			ShippingAddress: model.Address{Pincode: "560001"},
			FinancialStatus: "paid",
		})
	})
	o, err := c.FindOrder(context.Background(), "o1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if o.ID != "o1" || o.Number != "1001" || len(o.LineItems) != 1 || o.ShippingAddress.Pincode != "560001" {
		t.Fatalf("unexpected order: %+v", o)
	}
}

func TestFindOrder_NotFound(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	_, err := c.FindOrder(context.Background(), "missing")
	var nf model.NotFoundError
	if !errors.As(err, &nf) || nf.Entity != model.EntityOrder || nf.ID != "missing" {
		t.Fatalf("want order not found, got %v", err)
	}
}

func TestCancelAndConfirm_Paths(t *testing.T) {
	var paths []string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()
	if err := c.CancelOrder(ctx, "o1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := c.ConfirmFulfillment(ctx, "fo-9"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/orders/o1/cancel" || paths[1] != "/fulfillment-orders/fo-9/confirm" {
		t.Fatalf("unexpected paths: %v", paths)
	}
}

func TestCancelOrder_ServerErrorIsUpstream(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	if err := c.CancelOrder(context.Background(), "o1"); !errors.Is(err, model.ErrUpstreamUnavailable) {
		t.Fatalf("want upstream error, got %v", err)
	}
}

func TestMemory_RecordsCalls(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(model.Order{ID: "o1"})
	if _, err := m.FindOrder(ctx, "o2"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
	_ = m.CancelOrder(ctx, "o1")
	_ = m.ConfirmFulfillment(ctx, "fo1")
	if len(m.Cancelled()) != 1 || len(m.Confirmed()) != 1 {
		t.Fatalf("calls not recorded")
	}
}
