// Package intake turns order-created events into plan runs.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"ofs/internal/allocation"
	"ofs/internal/model"
)

// Event is the order-created payload.
type Event struct {
	OrderID  string `json:"orderId"`
	Strategy string `json:"strategy,omitempty"`
	StoreID  string `json:"storeId,omitempty"`
}

type Planner interface {
	PlanOrder(ctx context.Context, req allocation.Request) (allocation.Result, error)
}

// Handler plans one event. Upstream failures are retried with backoff; anything
// else is permanent and the event is dropped with an error log.
type Handler struct {
	planner    Planner
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option { return func(h *Handler) { h.logger = l } }

func WithBackOff(fn func() backoff.BackOff) Option { return func(h *Handler) { h.newBackOff = fn } }

func NewHandler(p Planner, opts ...Option) *Handler {
	h := &Handler{
		planner: p,
		logger:  zap.NewNop(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handle reports whether the event is done with and its offset may be committed.
// A false return leaves the event for redelivery.
func (h *Handler) Handle(ctx context.Context, payload []byte) (bool, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.logger.Error("dropping undecodable order event", zap.ByteString("payload", payload), zap.Error(err))
		return true, fmt.Errorf("decode: %w", err)
	}
	if ev.OrderID == "" {
		h.logger.Error("dropping order event without order id", zap.ByteString("payload", payload))
		return true, errors.New("missing order id")
	}
	req := allocation.Request{OrderID: ev.OrderID, StoreID: ev.StoreID}
	if ev.Strategy != "" {
		st, err := allocation.ParseStrategy(ev.Strategy)
		if err != nil {
			h.logger.Error("dropping order event", zap.String("order_id", ev.OrderID), zap.Error(err))
			return true, err
		}
		req.Strategy = st
	}

	var res allocation.Result
	op := func() error {
		var err error
		res, err = h.planner.PlanOrder(ctx, req)
		if err != nil && !errors.Is(err, model.ErrUpstreamUnavailable) && !errors.Is(err, model.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		h.logger.Warn("plan failed, retrying", zap.String("order_id", ev.OrderID), zap.Duration("wait", wait), zap.Error(err))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(h.newBackOff(), ctx), notify)
	if err == nil {
		h.logger.Info("order planned",
			zap.String("order_id", ev.OrderID), zap.String("strategy", string(res.Strategy)),
			zap.Int("splits", len(res.Splits)), zap.Int("gaps", len(res.Gaps)))
		return true, nil
	}
	if errors.Is(err, model.ErrUpstreamUnavailable) || errors.Is(err, model.ErrConflict) || ctx.Err() != nil {
		return false, err
	}
	h.logger.Error("dropping order event", zap.String("order_id", ev.OrderID), zap.Error(err))
	return true, err
}
