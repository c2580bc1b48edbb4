package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"ofs/internal/changelog"
	"ofs/internal/effects"
	"ofs/internal/events"
	"ofs/internal/keylock"
	"ofs/internal/logistics"
	"ofs/internal/metrics"
	"ofs/internal/model"
	"ofs/internal/notify"
	"ofs/internal/repo"
	"ofs/internal/state"
)

// OrderPlatform is the part of the order source the lifecycle calls.
type OrderPlatform interface {
	CancelOrder(ctx context.Context, orderID string) error
	ConfirmFulfillment(ctx context.Context, fulfillmentOrderID string) error
}

// HoldRequest puts a split on hold or, with Release, closes an open hold.
type HoldRequest struct {
	Comment string `json:"comment,omitempty"`
	Release bool   `json:"release,omitempty"`
}

// Service applies transitions. Transitions on one split are serialised in process
// and committed with a version check, so concurrent writers from other processes
// see model.ErrConflict instead of overwriting each other.
type Service struct {
	splits    repo.SplitRepository
	stock     state.Store
	gateway   logistics.Gateway
	orders    OrderPlatform
	changelog changelog.Writer
	notifier  notify.Notifier
	effects   effects.Submitter
	publisher events.Publisher
	locks     *keylock.Locker
	logger    *zap.Logger
	metrics   *metrics.Registry
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Service)

func WithChangelog(w changelog.Writer) Option { return func(s *Service) { s.changelog = w } }
func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithEffects(e effects.Submitter) Option { return func(s *Service) { s.effects = e } }
func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }
func WithLocker(l *keylock.Locker) Option { return func(s *Service) { s.locks = l } }
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }
func WithMetrics(m *metrics.Registry) Option { return func(s *Service) { s.metrics = m } }
func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(splits repo.SplitRepository, st state.Store, gw logistics.Gateway, op OrderPlatform, opts ...Option) *Service {
	s := &Service{
		splits:    splits,
		stock:     st,
		gateway:   gw,
		orders:    op,
		changelog: changelog.Discard{},
		effects:   effects.Inline{},
		publisher: events.Discard{},
		locks:     keylock.New(),
		logger:    zap.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("lifecycle"),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// begin locks the split and opens a span. The returned func records err and releases both.
func (s *Service) begin(ctx context.Context, action Action, splitID string) (context.Context, func(*error), error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle."+string(action), trace.WithAttributes(
		attribute.String("split.id", splitID),
	))
	unlock, err := s.locks.Lock(ctx, splitID)
	if err != nil {
		span.End()
		return ctx, nil, err
	}
	return ctx, func(errp *error) {
		unlock()
		if err := *errp; err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(action)+" failed")
			s.failure(action, splitID, err)
		}
		span.End()
	}, nil
}

func (s *Service) failure(action Action, splitID string, err error) {
	reason := "other"
	switch {
	case errors.Is(err, model.ErrInvalidState):
		reason = "invalid_state"
	case errors.Is(err, model.ErrNotFound):
		reason = "not_found"
	case errors.Is(err, model.ErrServiceabilityDenied):
		reason = "serviceability"
	case errors.Is(err, model.ErrCarrierRejected):
		reason = "carrier_rejected"
	case errors.Is(err, model.ErrUpstreamUnavailable):
		reason = "upstream"
	case errors.Is(err, model.ErrConflict):
		reason = "conflict"
	}
	if s.metrics != nil {
		s.metrics.TransitionFailures.WithLabelValues(string(action), reason).Inc()
	}
	s.logger.Warn("transition failed",
		zap.String("split_id", splitID), zap.String("action", string(action)), zap.String("reason", reason), zap.Error(err))
}

// commit moves the split to action's target status after re-checking the edge on the
// stored version. mutate applies the action specific fields.
func (s *Service) commit(ctx context.Context, splitID string, action Action, mutate func(*model.SplitOrder)) (model.SplitOrder, model.OrderStatus, error) {
	var from model.OrderStatus
	to := action.Target()
	out, err := s.splits.UpdateSplit(ctx, splitID, func(cur *model.SplitOrder) error {
		from = cur.OrderStatus
		if !CanTransition(from, to) {
			return &model.InvalidStateError{SplitID: splitID, Status: from, Action: string(action)}
		}
		cur.OrderStatus = to
		if mutate != nil {
			mutate(cur)
		}
		return nil
	})
	if err != nil {
		return model.SplitOrder{}, from, err
	}
	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(to)).Inc()
	}
	s.logger.Info("split transition",
		zap.String("split_id", splitID), zap.String("from", string(from)), zap.String("to", string(to)), zap.Int64("version", out.Version))
	return out, from, nil
}

// load fetches the split and checks that action is permitted from its status.
func (s *Service) load(ctx context.Context, splitID string, action Action) (model.SplitOrder, error) {
	cur, err := s.splits.GetSplit(ctx, splitID)
	if err != nil {
		return model.SplitOrder{}, err
	}
	if !CanTransition(cur.OrderStatus, action.Target()) {
		return model.SplitOrder{}, &model.InvalidStateError{SplitID: splitID, Status: cur.OrderStatus, Action: string(action)}
	}
	return cur, nil
}

func closeHold(sp *model.SplitOrder) {
	if sp.OnHoldStatus == model.HoldOpen {
		sp.OnHoldStatus = model.HoldClosed
	}
}

// Hold puts a split on hold with an optional comment, or releases an open hold.
// Only an on_hold split whose hold is open can be released.
func (s *Service) Hold(ctx context.Context, splitID string, req HoldRequest) (out model.SplitOrder, err error) {
	ctx, end, err := s.begin(ctx, ActionHold, splitID)
	if err != nil {
		return model.SplitOrder{}, err
	}
	defer end(&err)

	if req.Release {
		cur, err := s.splits.GetSplit(ctx, splitID)
		if err != nil {
			return model.SplitOrder{}, err
		}
		if cur.OrderStatus != model.StatusOnHold || cur.OnHoldStatus != model.HoldOpen {
			return model.SplitOrder{}, &model.InvalidStateError{SplitID: splitID, Status: cur.OrderStatus, Action: "release"}
		}
	}

	at := s.now().UnixMilli()
	out, from, err := s.commit(ctx, splitID, ActionHold, func(sp *model.SplitOrder) {
		if req.Release {
			sp.OnHoldStatus = model.HoldClosed
			sp.Stamp("on_hold_closed", at)
			return
		}
		sp.OnHoldStatus = model.HoldOpen
		if req.Comment != "" {
			sp.OnHoldComment = req.Comment
		}
		sp.Stamp(string(model.StatusOnHold), at)
	})
	if err != nil {
		return model.SplitOrder{}, err
	}
	s.publish(out, from)
	if !req.Release {
		s.notify(out, model.EventOnHold)
	}
	return out, nil
}

// MarkReadyForPickup checks serviceability, books a carrier task and moves the split to
// ready_for_pickup. A denial or rejection only annotates the split with the error.
func (s *Service) MarkReadyForPickup(ctx context.Context, splitID string) (out model.SplitOrder, err error) {
	ctx, end, err := s.begin(ctx, ActionReady, splitID)
	if err != nil {
		return model.SplitOrder{}, err
	}
	defer end(&err)

	cur, err := s.load(ctx, splitID, ActionReady)
	if err != nil {
		return model.SplitOrder{}, err
	}
	ref := logistics.RefFor(cur)

	svc, err := s.gateway.CheckServiceability(ctx, ref)
	if err != nil {
		s.annotate(ctx, splitID, "serviceability check failed: "+err.Error())
		return model.SplitOrder{}, err
	}
	if !svc.OK() {
		reason := svc.Denial()
		s.annotate(ctx, splitID, reason)
		return model.SplitOrder{}, &model.ServiceabilityError{SplitID: splitID, Reason: reason}
	}

	task, err := s.gateway.CreateTask(ctx, ref)
	if err != nil {
		s.annotate(ctx, splitID, "create task failed: "+err.Error())
		return model.SplitOrder{}, err
	}
	if !task.Accepted() {
		msg := fmt.Sprintf("carrier returned %s: %s", task.StatusCode, task.Message)
		s.annotate(ctx, splitID, msg)
		return model.SplitOrder{}, fmt.Errorf("split %s: %w: %s", splitID, model.ErrCarrierRejected, msg)
	}

	payout := svc.Payout
	at := s.now().UnixMilli()
	out, from, err := s.commit(ctx, splitID, ActionReady, func(sp *model.SplitOrder) {
		closeHold(sp)
		sp.Stamp(string(model.StatusReadyForPickup), at)
		sp.TPL = model.TPL{
			TaskID:     task.TaskID,
			Status:     task.Status,
			StatusCode: task.StatusCode,
			Message:    task.Message,
			Payout:     &payout,
		}
	})
	if err != nil {
		// the carrier holds a task for a split we could not move; release it
		ref.TaskID = task.TaskID
		s.effects.Submit(effects.Effect{
			Name:  "logistics.cancel_orphan",
			Ref:   splitID,
			Retry: true,
			Fn: func(ctx context.Context) error {
				_, err := s.gateway.CancelTask(ctx, ref)
				return err
			},
		})
		return model.SplitOrder{}, err
	}
	s.publish(out, from)
	return out, nil
}

// Dispatch hands the split to the rider.
func (s *Service) Dispatch(ctx context.Context, splitID string) (model.SplitOrder, error) {
	return s.fulfil(ctx, splitID, ActionDispatch, model.EventOutForDelivery)
}

// Deliver records delivery to the customer.
func (s *Service) Deliver(ctx context.Context, splitID string) (model.SplitOrder, error) {
	return s.fulfil(ctx, splitID, ActionDeliver, model.EventDelivered)
}

func (s *Service) fulfil(ctx context.Context, splitID string, action Action, ev model.NotificationEvent) (out model.SplitOrder, err error) {
	ctx, end, err := s.begin(ctx, action, splitID)
	if err != nil {
		return model.SplitOrder{}, err
	}
	defer end(&err)

	at := s.now().UnixMilli()
	out, from, err := s.commit(ctx, splitID, action, func(sp *model.SplitOrder) {
		closeHold(sp)
		sp.Stamp(string(action.Target()), at)
	})
	if err != nil {
		return model.SplitOrder{}, err
	}
	s.confirmFulfillment(out)
	s.notify(out, ev)
	s.publish(out, from)
	return out, nil
}

// Cancel moves a split to cancel and then completes the cancellation work: stock
// compensation, upstream order cancellation and carrier task cancellation. Calling it
// again on a cancelled split retries whatever did not complete; compensation happens
// at most once. The returned split reflects everything that succeeded, also when an
// error reports outstanding work.
func (s *Service) Cancel(ctx context.Context, splitID string) (out model.SplitOrder, err error) {
	ctx, end, err := s.begin(ctx, ActionCancel, splitID)
	if err != nil {
		return model.SplitOrder{}, err
	}
	defer end(&err)

	cur, err := s.splits.GetSplit(ctx, splitID)
	if err != nil {
		return model.SplitOrder{}, err
	}
	retry := cur.OrderStatus == model.StatusCancelled
	if !retry {
		at := s.now().UnixMilli()
		var from model.OrderStatus
		cur, from, err = s.commit(ctx, splitID, ActionCancel, func(sp *model.SplitOrder) {
			sp.OnHoldStatus = model.HoldClosed
			sp.Stamp(string(model.StatusCancelled), at)
		})
		if err != nil {
			return model.SplitOrder{}, err
		}
		s.publish(cur, from)
		s.notify(cur, model.EventCancelled)
	}

	var errs []error
	if cur, err = s.compensate(ctx, cur); err != nil {
		errs = append(errs, err)
	}
	if cur, err = s.cancelUpstream(ctx, cur); err != nil {
		errs = append(errs, err)
	}
	if cur, err = s.cancelTask(ctx, cur); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return cur, fmt.Errorf("split %s cancelled with outstanding work: %w", splitID, errors.Join(errs...))
	}
	return cur, nil
}

// compensable reports whether cancelled goods are still in the store. A split that
// was out for delivery returns its stock through the inventory feed instead.
func compensable(sp model.SplitOrder) bool {
	_, dispatched := sp.TimeStamps[string(model.StatusOutForDelivery)]
	return !dispatched
}

func (s *Service) compensate(ctx context.Context, sp model.SplitOrder) (model.SplitOrder, error) {
	if sp.StockRestored || !compensable(sp) {
		return sp, nil
	}
	for _, li := range sp.LineItems {
		if li.Quantity <= 0 {
			continue
		}
		storeID := li.StoreID
		if storeID == "" {
			storeID = sp.StoreID
		}
		key := model.StockKey(storeID, li.SKU)
		token := "cancel/" + sp.SplitID + "/" + li.LineItemID
		applied, rec, err := s.stock.Adjust(key, li.Quantity, token)
		if err != nil {
			return sp, fmt.Errorf("restore %s: %w", key, err)
		}
		if !applied {
			continue
		}
		if s.metrics != nil {
			s.metrics.CompensatedUnits.Add(float64(li.Quantity))
		}
		if err := s.changelog.Append(changelog.AdjustDelta(key, li.Quantity, token, rec.UpdatedAt)); err != nil {
			s.logger.Warn("changelog append failed", zap.String("key", key), zap.Error(err))
		} else if s.metrics != nil {
			s.metrics.ChangelogAppended.Inc()
		}
		s.logger.Info("stock restored",
			zap.String("split_id", sp.SplitID), zap.String("sku", li.SKU), zap.String("store_id", storeID),
			zap.Int64("units", li.Quantity), zap.Int64("hybrid_stock", rec.HybridStock))
	}
	return s.splits.UpdateSplit(ctx, sp.SplitID, func(cur *model.SplitOrder) error {
		cur.StockRestored = true
		return nil
	})
}

func (s *Service) cancelUpstream(ctx context.Context, sp model.SplitOrder) (model.SplitOrder, error) {
	if sp.UpstreamCancelled {
		return sp, nil
	}
	if err := s.orders.CancelOrder(ctx, sp.OrderID); err != nil {
		return sp, fmt.Errorf("cancel order %s: %w", sp.OrderID, err)
	}
	return s.splits.UpdateSplit(ctx, sp.SplitID, func(cur *model.SplitOrder) error {
		cur.UpstreamCancelled = true
		return nil
	})
}

func (s *Service) cancelTask(ctx context.Context, sp model.SplitOrder) (model.SplitOrder, error) {
	if sp.TPL.TaskID == "" || sp.TPL.Status == model.CarrierCancelled {
		return sp, nil
	}
	res, err := s.gateway.CancelTask(ctx, logistics.RefFor(sp))
	if err != nil {
		return sp, fmt.Errorf("cancel task %s: %w", sp.TPL.TaskID, err)
	}
	confirmed := res.Cancelled()
	out, uerr := s.splits.UpdateSplit(ctx, sp.SplitID, func(cur *model.SplitOrder) error {
		if confirmed {
			cur.TPL.Status = res.Status
			cur.TPL.StatusCode = res.StatusCode
			cur.TPL.Message = res.Message
			cur.TPL.Error = ""
			return nil
		}
		cur.TPL.Error = fmt.Sprintf("cancel not confirmed: %s %s", res.Status, res.Message)
		return nil
	})
	if uerr != nil {
		return sp, uerr
	}
	if !confirmed {
		return out, fmt.Errorf("cancel task %s: %w: status %s", sp.TPL.TaskID, model.ErrCarrierRejected, res.Status)
	}
	return out, nil
}

// annotate records a logistics error on the split without changing its status.
func (s *Service) annotate(ctx context.Context, splitID, msg string) {
	_, err := s.splits.UpdateSplit(ctx, splitID, func(cur *model.SplitOrder) error {
		cur.TPL.Error = msg
		return nil
	})
	if err != nil {
		s.logger.Error("annotate split failed", zap.String("split_id", splitID), zap.Error(err))
	}
}

func (s *Service) confirmFulfillment(sp model.SplitOrder) {
	if sp.FulfillmentOrderID == "" {
		return
	}
	id := sp.FulfillmentOrderID
	s.effects.Submit(effects.Effect{
		Name:  "orders.confirm_fulfillment",
		Ref:   sp.SplitID,
		Retry: true,
		Fn: func(ctx context.Context) error {
			err := s.orders.ConfirmFulfillment(ctx, id)
			if err != nil && !errors.Is(err, model.ErrUpstreamUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		},
	})
}

func (s *Service) notify(sp model.SplitOrder, ev model.NotificationEvent) {
	if s.notifier == nil {
		return
	}
	msg := notify.SplitMessage(sp)
	s.effects.Submit(effects.Effect{
		Name: "notify." + string(ev),
		Ref:  sp.SplitID,
		Fn: func(ctx context.Context) error {
			s.notifier.Notify(ctx, ev, msg)
			return nil
		},
	})
}

func (s *Service) publish(sp model.SplitOrder, from model.OrderStatus) {
	ev := events.Transition(sp, from, s.now())
	s.effects.Submit(effects.Effect{
		Name:  "events.publish",
		Ref:   sp.SplitID,
		Retry: true,
		Fn:    func(ctx context.Context) error { return s.publisher.Publish(ctx, ev) },
	})
}
