// Package api serves the operator HTTP API for planning orders and driving splits.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"ofs/internal/allocation"
	"ofs/internal/lifecycle"
	"ofs/internal/metrics"
	"ofs/internal/model"
	"ofs/internal/repo"
)

// Planner is the allocation entry point the API drives.
type Planner interface {
	PlanOrder(ctx context.Context, req allocation.Request) (allocation.Result, error)
}

// Lifecycle is the set of split transitions the API exposes.
type Lifecycle interface {
	Hold(ctx context.Context, splitID string, req lifecycle.HoldRequest) (model.SplitOrder, error)
	MarkReadyForPickup(ctx context.Context, splitID string) (model.SplitOrder, error)
	Dispatch(ctx context.Context, splitID string) (model.SplitOrder, error)
	Deliver(ctx context.Context, splitID string) (model.SplitOrder, error)
	Cancel(ctx context.Context, splitID string) (model.SplitOrder, error)
}

type Server struct {
	planner   Planner
	lifecycle Lifecycle
	splits    repo.SplitRepository
	metrics   *metrics.Registry
	logger    *zap.Logger
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option        { return func(s *Server) { s.logger = l } }
func WithMetrics(m *metrics.Registry) Option { return func(s *Server) { s.metrics = m } }

func New(p Planner, lc Lifecycle, splits repo.SplitRepository, opts ...Option) *Server {
	s := &Server{planner: p, lifecycle: lc, splits: splits, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handleFunc := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, otelhttp.WithRouteTag(pattern, h))
	}
	handleFunc("POST /orders/{orderID}/plan", s.plan)
	handleFunc("GET /orders/{orderID}/splits", s.listSplits)
	handleFunc("GET /splits/{splitID}", s.getSplit)
	handleFunc("POST /splits/{splitID}/{action}", s.transition)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return otelhttp.NewHandler(mux, "ofs-api")
}

type planBody struct {
	Strategy string `json:"strategy,omitempty"`
	StoreID  string `json:"storeId,omitempty"`
}

func (s *Server) plan(w http.ResponseWriter, r *http.Request) {
	var body planBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req := allocation.Request{OrderID: r.PathValue("orderID"), StoreID: body.StoreID}
	if body.Strategy != "" {
		st, err := allocation.ParseStrategy(body.Strategy)
		if err != nil {
			s.writeError(w, r, badRequest{err})
			return
		}
		req.Strategy = st
	}
	res, err := s.planner.PlanOrder(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listSplits(w http.ResponseWriter, r *http.Request) {
	out, err := s.splits.ListSplitsByOrder(r.Context(), r.PathValue("orderID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []model.SplitOrder{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSplit(w http.ResponseWriter, r *http.Request) {
	out, err := s.splits.GetSplit(r.Context(), r.PathValue("splitID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("splitID")
	action, ok := lifecycle.ParseAction(r.PathValue("action"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	var (
		out model.SplitOrder
		err error
	)
	switch action {
	case lifecycle.ActionHold:
		var req lifecycle.HoldRequest
		if err = decode(r, &req); err == nil {
			out, err = s.lifecycle.Hold(r.Context(), id, req)
		}
	case lifecycle.ActionReady:
		out, err = s.lifecycle.MarkReadyForPickup(r.Context(), id)
	case lifecycle.ActionDispatch:
		out, err = s.lifecycle.Dispatch(r.Context(), id)
	case lifecycle.ActionDeliver:
		out, err = s.lifecycle.Deliver(r.Context(), id)
	case lifecycle.ActionCancel:
		out, err = s.lifecycle.Cancel(r.Context(), id)
		if err != nil && out.OrderStatus == model.StatusCancelled {
			// committed, with outstanding work to retry
			writeJSON(w, http.StatusAccepted, struct {
				Split model.SplitOrder `json:"split"`
				Error string           `json:"error"`
			}{out, err.Error()})
			return
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

// decode reads an optional JSON body.
func decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return badRequest{err}
}

// StatusFor maps a domain error to an HTTP status code.
func StatusFor(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrDuplicateSplit):
		return http.StatusConflict
	case errors.Is(err, model.ErrServiceabilityDenied), errors.Is(err, model.ErrCarrierRejected), errors.Is(err, allocation.ErrStoreInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code >= 500 {
		s.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", code), zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
