package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ofs/internal/allocation"
	"ofs/internal/directory"
	"ofs/internal/lifecycle"
	"ofs/internal/logistics"
	"ofs/internal/metrics"
	"ofs/internal/model"
	"ofs/internal/orders"
	"ofs/internal/repo"
	"ofs/internal/state"
)

var now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type env struct {
	srv     *httptest.Server
	repo    *repo.Memory
	carrier *logistics.Stub
}

func newEnv(t *testing.T) env {
	t.Helper()
	ctx := context.Background()
	r := repo.NewMemory()
	if err := r.UpsertStock(ctx, []model.StockRecord{
		{SKU: "SKU-1", StoreID: "S1", RawStock: 5, ObservedAt: now},
	}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	src := orders.NewMemory(model.Order{
		ID:              "o1",
		Number:          "1001",
		LineItems:       []model.LineItem{{ID: "l1", SKU: "SKU-1", Quantity: 2}},
		ShippingAddress: model.Address{Pincode: "560001"},
		Customer:        model.Customer{Name: "Asha", Phone: "999"},
	})
	dir := directory.NewMemoryDirectory(model.Store{ID: "S1", Code: "S1", Cluster: "C1", Pincode: "560001", Status: model.StoreActive})
	m := metrics.NewRegistry()
	clock := func() time.Time { return now }
	carrier := logistics.NewStub()

	planner := allocation.NewPlanner(src, dir, r, allocation.WithMetrics(m), allocation.WithClock(clock))
	svc := lifecycle.NewService(r, state.NewInMemoryStore(), carrier, src, lifecycle.WithMetrics(m), lifecycle.WithClock(clock))
	ts := httptest.NewServer(New(planner, svc, r, WithMetrics(m)).Handler())
	t.Cleanup(ts.Close)
	return env{srv: ts, repo: r, carrier: carrier}
}

func (e env) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp.StatusCode, out
}

func TestPlanThenDriveSplit(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, http.MethodPost, "/orders/o1/plan", `{"strategy":"primary"}`)
	if code != http.StatusOK {
		t.Fatalf("plan: %d %s", code, body)
	}
	var res allocation.Result
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if len(res.Splits) != 1 {
		t.Fatalf("want one split, got %+v", res)
	}
	id := res.Splits[0].SplitID

	code, body = e.do(t, http.MethodGet, "/orders/o1/splits", "")
	if code != http.StatusOK || !strings.Contains(string(body), id) {
		t.Fatalf("list splits: %d %s", code, body)
	}

	for _, step := range []struct {
		action string
		want   model.OrderStatus
	}{
		{"hold", model.StatusOnHold},
		{"ready", model.StatusReadyForPickup},
		{"dispatch", model.StatusOutForDelivery},
		{"deliver", model.StatusDelivered},
	} {
		code, body = e.do(t, http.MethodPost, "/splits/"+id+"/"+step.action, "")
		if code != http.StatusOK {
			t.Fatalf("%s: %d %s", step.action, code, body)
		}
		var s model.SplitOrder
		if err := json.Unmarshal(body, &s); err != nil {
			t.Fatalf("decode split: %v", err)
		}
		if s.OrderStatus != step.want {
			t.Fatalf("%s: status %s, want %s", step.action, s.OrderStatus, step.want)
		}
	}

	code, _ = e.do(t, http.MethodPost, "/splits/"+id+"/cancel", "")
	if code != http.StatusConflict {
		t.Fatalf("cancel after delivery: want 409, got %d", code)
	}
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t)

	if code, _ := e.do(t, http.MethodPost, "/orders/missing/plan", ""); code != http.StatusNotFound {
		t.Fatalf("unknown order: want 404, got %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/splits/nope", ""); code != http.StatusNotFound {
		t.Fatalf("unknown split: want 404, got %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/orders/o1/plan", `{"strategy":"nearest"}`); code != http.StatusBadRequest {
		t.Fatalf("bad strategy: want 400, got %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/splits/x/teleport", ""); code != http.StatusNotFound {
		t.Fatalf("unknown action: want 404, got %d", code)
	}

	code, body := e.do(t, http.MethodPost, "/orders/o1/plan", "")
	if code != http.StatusOK {
		t.Fatalf("plan: %d %s", code, body)
	}
	var res allocation.Result
	_ = json.Unmarshal(body, &res)
	id := res.Splits[0].SplitID

	e.carrier.Deny = "out of zone"
	if code, _ := e.do(t, http.MethodPost, "/splits/"+id+"/ready", ""); code != http.StatusUnprocessableEntity {
		t.Fatalf("denied: want 422, got %d", code)
	}
	e.carrier.SetErr(&model.UpstreamError{Service: "logistics", Op: "check serviceability", Err: errors.New("503")})
	if code, _ := e.do(t, http.MethodPost, "/splits/"+id+"/ready", ""); code != http.StatusBadGateway {
		t.Fatalf("upstream: want 502, got %d", code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.NotFoundError{Entity: model.EntitySplit, ID: "x"}, http.StatusNotFound},
		{&model.InvalidStateError{SplitID: "x", Status: model.StatusNew, Action: "deliver"}, http.StatusConflict},
		{fmt.Errorf("update: %w", model.ErrConflict), http.StatusConflict},
		{model.ErrDuplicateSplit, http.StatusConflict},
		{&model.ServiceabilityError{SplitID: "x", Reason: "r"}, http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", model.ErrCarrierRejected), http.StatusUnprocessableEntity},
		{allocation.ErrStoreInactive, http.StatusUnprocessableEntity},
		{&model.UpstreamError{Service: "orders", Op: "find", Err: errors.New("boom")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := StatusFor(c.err); got != c.want {
			t.Fatalf("%v: got %d, want %d", c.err, got, c.want)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	if code, body := e.do(t, http.MethodGet, "/healthz", ""); code != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz: %d %s", code, body)
	}
	e.do(t, http.MethodPost, "/orders/o1/plan", "")
	code, body := e.do(t, http.MethodGet, "/metrics", "")
	if code != http.StatusOK || !strings.Contains(string(body), "ofs_splits_created_total 1") {
		t.Fatalf("metrics: %d %s", code, body)
	}
}
