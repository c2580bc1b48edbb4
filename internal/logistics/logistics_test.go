package logistics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"ofs/internal/httpjson"
	"ofs/internal/model"
)

func gateway(t *testing.T, h http.HandlerFunc) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPGatewayWith(httpjson.NewWith("logistics", srv.URL, srv.Client()))
}

func ref() Ref {
	return RefFor(model.SplitOrder{
		SplitID:   "1001-BLR01",
		StoreCode: "BLR01",
		Pincode:   "560001",
		LineItems: []model.SplitLineItem{{SKU: "A", Quantity: 2}, {SKU: "B", Quantity: 1}},
		TPL:       model.TPL{TaskID: "t-1"},
	})
}

func TestRefFor(t *testing.T) {
	r := ref()
	if r.Units != 3 || r.TaskID != "t-1" || r.SplitID != "1001-BLR01" {
		t.Fatalf("unexpected ref: %+v", r)
	}
}

func TestCheckServiceability_DecodesPayout(t *testing.T) {
	g := gateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"locationServiceable":true,"riderServiceable":true,"payout":{"price":"40.5","tax":"7.29","total":"47.79"}}`))
	})
	s, err := g.CheckServiceability(context.Background(), ref())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !s.OK() || !s.Payout.Total.Equal(decimal.RequireFromString("47.79")) {
		t.Fatalf("unexpected answer: %+v", s)
	}
}

func TestCheckServiceability_ClientErrorIsDenial(t *testing.T) {
	g := gateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "pincode outside delivery zone", http.StatusUnprocessableEntity)
	})
	s, err := g.CheckServiceability(context.Background(), ref())
	if err != nil {
		t.Fatalf("denial should not be an error: %v", err)
	}
	if s.OK() || s.Denial() != "pincode outside delivery zone" {
		t.Fatalf("unexpected answer: %+v", s)
	}
}

func TestDenial_Reasons(t *testing.T) {
	if got := (Serviceability{RiderServiceable: true}).Denial(); got != "location not serviceable" {
		t.Fatalf("got %q", got)
	}
	if got := (Serviceability{LocationServiceable: true}).Denial(); got != "no rider available" {
		t.Fatalf("got %q", got)
	}
}

func TestCreateAndCancelTask(t *testing.T) {
	g := gateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks":
			_ = json.NewEncoder(w).Encode(TaskResult{Status: "CREATED", TaskID: "t-9", StatusCode: "ACCEPTED"})
		case "/tasks/t-1/cancel":
			_ = json.NewEncoder(w).Encode(TaskResult{Status: "CANCELLED", StatusCode: "200", Message: "ok"})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()
	res, err := g.CreateTask(ctx, ref())
	if err != nil || !res.Accepted() || res.TaskID != "t-9" {
		t.Fatalf("create: %+v %v", res, err)
	}
	res, err = g.CancelTask(ctx, ref())
	if err != nil || !res.Cancelled() {
		t.Fatalf("cancel: %+v %v", res, err)
	}
}

type flaky struct {
	*Stub
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flaky) CreateTask(ctx context.Context, r Ref) (TaskResult, error) {
	if f.calls.Add(1) <= f.failures {
		return TaskResult{}, f.err
	}
	return f.Stub.CreateTask(ctx, r)
}

func zero() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestRetrying_RetriesTransientCreate(t *testing.T) {
	f := &flaky{Stub: NewStub(), failures: 2, err: &model.UpstreamError{Service: "logistics", Op: "create task", Err: errors.New("503")}}
	r := NewRetrying(f, WithAttempts(3), WithBackOff(zero))
	res, err := r.CreateTask(context.Background(), ref())
	if err != nil || !res.Accepted() {
		t.Fatalf("want success after retries, got %+v %v", res, err)
	}
	if f.calls.Load() != 3 {
		t.Fatalf("want 3 calls, got %d", f.calls.Load())
	}
}

func TestRetrying_GivesUp(t *testing.T) {
	f := &flaky{Stub: NewStub(), failures: 10, err: &model.UpstreamError{Service: "logistics", Op: "create task", Err: errors.New("503")}}
	r := NewRetrying(f, WithAttempts(2), WithBackOff(zero))
	_, err := r.CreateTask(context.Background(), ref())
	if !errors.Is(err, model.ErrUpstreamUnavailable) || f.calls.Load() != 2 {
		t.Fatalf("want upstream error after 2 calls, got %v after %d", err, f.calls.Load())
	}
}

func TestRetrying_DoesNotRetryPermanent(t *testing.T) {
	f := &flaky{Stub: NewStub(), failures: 10, err: errors.New("bad request")}
	r := NewRetrying(f, WithAttempts(5), WithBackOff(zero))
	if _, err := r.CreateTask(context.Background(), ref()); err == nil || f.calls.Load() != 1 {
		t.Fatalf("want one failed call, got %v after %d", err, f.calls.Load())
	}
}

type slow struct{ *Stub }

func (s *slow) CheckServiceability(ctx context.Context, r Ref) (Serviceability, error) {
	<-ctx.Done()
	return Serviceability{}, ctx.Err()
}

func TestRetrying_TimeoutIsUpstream(t *testing.T) {
	r := NewRetrying(&slow{Stub: NewStub()}, WithCallTimeout(5*time.Millisecond))
	_, err := r.CheckServiceability(context.Background(), ref())
	if !errors.Is(err, model.ErrUpstreamUnavailable) {
		t.Fatalf("want upstream error on timeout, got %v", err)
	}
}

func TestStub_RejectAndDeny(t *testing.T) {
	s := NewStub()
	s.Deny = "flooded"
	ans, _ := s.CheckServiceability(context.Background(), ref())
	if ans.OK() || ans.Denial() != "flooded" {
		t.Fatalf("deny not applied: %+v", ans)
	}
	s.Reject = "NO_RIDER"
	res, _ := s.CreateTask(context.Background(), ref())
	if res.Accepted() {
		t.Fatalf("reject not applied")
	}
}
