package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"ofs/internal/directory"
	"ofs/internal/effects"
	"ofs/internal/events"
	"ofs/internal/keylock"
	"ofs/internal/metrics"
	"ofs/internal/model"
	"ofs/internal/notify"
	"ofs/internal/repo"
)

// ErrStoreInactive is returned when a manually chosen store does not accept orders.
var ErrStoreInactive = errors.New("store inactive")

// OrderFinder reads orders from the order platform.
type OrderFinder interface {
	FindOrder(ctx context.Context, orderID string) (model.Order, error)
}

// Store is the persistence the planner needs.
type Store interface {
	repo.SplitRepository
	repo.OrderInfoRepository
	repo.NotificationLogRepository
	Levels(ctx context.Context, skus []string) (repo.Levels, error)
}

// Request asks for an order to be planned. StoreID is only used by the manual strategy.
// An empty Strategy uses the planner default.
type Request struct {
	OrderID  string   `json:"orderId"`
	Strategy Strategy `json:"strategy,omitempty"`
	StoreID  string   `json:"storeId,omitempty"`
}

// Result is what a plan run produced.
type Result struct {
	OrderID  string             `json:"orderId"`
	Strategy Strategy           `json:"strategy"`
	Update   bool               `json:"update"`
	Splits   []model.SplitOrder `json:"splits"`
	Created  []string           `json:"created,omitempty"`
	Updated  []string           `json:"updated,omitempty"`
	Kept     []string           `json:"kept,omitempty"`
	// Superseded lists splits from an earlier run for stores the new plan no longer uses.
	Superseded []string `json:"superseded,omitempty"`
	Gaps       []Gap    `json:"gaps,omitempty"`
}

type Planner struct {
	orders         OrderFinder
	dir            directory.Directory
	store          Store
	locks          *keylock.Locker
	notifier       notify.Notifier
	effects        effects.Submitter
	publisher      events.Publisher
	strategy       Strategy
	subtractBuffer bool
	logger         *zap.Logger
	metrics        *metrics.Registry
	tracer         trace.Tracer
	now            func() time.Time
}

type Option func(*Planner)

func WithDefaultStrategy(s Strategy) Option { return func(p *Planner) { p.strategy = s } }
func WithSubtractBuffer(on bool) Option { return func(p *Planner) { p.subtractBuffer = on } }
func WithNotifier(n notify.Notifier) Option { return func(p *Planner) { p.notifier = n } }
func WithEffects(s effects.Submitter) Option { return func(p *Planner) { p.effects = s } }
func WithPublisher(pub events.Publisher) Option { return func(p *Planner) { p.publisher = pub } }
func WithLocker(l *keylock.Locker) Option { return func(p *Planner) { p.locks = l } }
func WithLogger(l *zap.Logger) Option { return func(p *Planner) { p.logger = l } }
func WithMetrics(m *metrics.Registry) Option { return func(p *Planner) { p.metrics = m } }
func WithTracer(t trace.Tracer) Option { return func(p *Planner) { p.tracer = t } }
func WithClock(now func() time.Time) Option { return func(p *Planner) { p.now = now } }

func NewPlanner(orders OrderFinder, dir directory.Directory, st Store, opts ...Option) *Planner {
	p := &Planner{
		orders:    orders,
		dir:       dir,
		store:     st,
		locks:     keylock.New(),
		effects:   effects.Inline{},
		publisher: events.Discard{},
		strategy:  StrategyCluster,
		logger:    zap.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("allocation"),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// PlanOrder allocates an order across stores and persists one split per store.
// Runs for the same order are serialised. An order that already has bookkeeping
// or a draft order link takes the update path: splits still in status new are
// refreshed, missing ones created, and splits that moved on are left alone.
// Splits still in status new for stores the plan dropped are superseded.
// Uncovered quantity is returned as gaps, not as an error.
func (p *Planner) PlanOrder(ctx context.Context, req Request) (res Result, err error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = p.strategy
	}
	started := p.now()
	ctx, span := p.tracer.Start(ctx, "allocation.PlanOrder", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.String("allocation.strategy", string(strategy)),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "plan failed")
		}
	}()

	unlock, err := p.locks.Lock(ctx, req.OrderID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	order, err := p.orders.FindOrder(ctx, req.OrderID)
	if err != nil {
		return Result{}, fmt.Errorf("find order: %w", err)
	}
	order = model.Normalize(order)

	plan, err := p.allocate(ctx, order, strategy, req.StoreID)
	if err != nil {
		return Result{}, err
	}

	update, err := p.isUpdate(ctx, order)
	if err != nil {
		return Result{}, err
	}
	res = Result{OrderID: order.ID, Strategy: strategy, Update: update, Gaps: plan.Gaps}
	if err := p.persist(ctx, order, plan, &res); err != nil {
		return res, err
	}

	if _, err := p.store.CreateOrderInfo(ctx, model.NewOrderInfo(order, p.now())); err != nil {
		return res, fmt.Errorf("create order info: %w", err)
	}
	if len(res.Splits) > 0 {
		p.confirm(ctx, order)
	}
	if len(plan.Gaps) > 0 {
		p.recordGaps(ctx, order, plan)
	}

	span.SetAttributes(
		attribute.Int("splits.created", len(res.Created)),
		attribute.Int("splits.updated", len(res.Updated)),
		attribute.Int64("allocation.missing_units", plan.MissingUnits()),
	)
	if p.metrics != nil {
		p.metrics.PlansByStrategy.WithLabelValues(string(strategy)).Inc()
		p.metrics.SplitsCreated.Add(float64(len(res.Created)))
		p.metrics.SplitsUpdated.Add(float64(len(res.Updated)))
		p.metrics.PlanLatencySec.Observe(p.now().Sub(started).Seconds())
	}
	p.logger.Info("order planned",
		zap.String("order_id", order.ID),
		zap.String("strategy", string(strategy)),
		zap.Bool("update", update),
		zap.Strings("created", res.Created),
		zap.Strings("updated", res.Updated),
		zap.Strings("superseded", res.Superseded))
	return res, nil
}

// allocate resolves candidate stores for the strategy and runs the matching algorithm.
func (p *Planner) allocate(ctx context.Context, order model.Order, strategy Strategy, storeID string) (Plan, error) {
	if len(order.LineItems) == 0 {
		return Plan{}, nil
	}
	var (
		primary model.Store
		err     error
	)
	if strategy == StrategyManual {
		if storeID == "" {
			return Plan{}, fmt.Errorf("manual allocation needs a store id")
		}
		primary, err = p.dir.Store(ctx, storeID)
		if err != nil {
			return Plan{}, err
		}
		if !primary.Active() {
			return Plan{}, fmt.Errorf("store %s: %w", storeID, ErrStoreInactive)
		}
		return AllocateManual(order.LineItems, primary), nil
	}

	if strategy != StrategyHighestInventory {
		primary, err = p.dir.StoreByPincode(ctx, order.ShippingAddress.Pincode)
		if err != nil {
			return Plan{}, fmt.Errorf("resolve store: %w", err)
		}
	}

	skus := make([]string, 0, len(order.LineItems))
	for sku := range order.RequestedBySKU() {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	levels, err := p.store.Levels(ctx, skus)
	if err != nil {
		return Plan{}, fmt.Errorf("load stock levels: %w", err)
	}
	qty := func(sku, storeID string) int64 { return levels.Qty(sku, storeID, p.subtractBuffer) }

	switch strategy {
	case StrategyPrimary:
		return AllocateSimple(order.LineItems, primary, nil, qty), nil
	case StrategyPrimaryWithBackup:
		backup, err := p.backupOf(ctx, primary)
		if err != nil {
			return Plan{}, err
		}
		return AllocateSimple(order.LineItems, primary, backup, qty), nil
	case StrategyCluster:
		stores, err := p.clusterOf(ctx, primary)
		if err != nil {
			return Plan{}, err
		}
		return AllocateIterative(order.LineItems, stores, qty), nil
	case StrategyHighestInventory:
		stores, err := p.dir.ActiveStores(ctx)
		if err != nil {
			return Plan{}, fmt.Errorf("list active stores: %w", err)
		}
		return AllocateIterative(order.LineItems, stores, qty), nil
	}
	return Plan{}, fmt.Errorf("unknown allocation strategy %q", strategy)
}

// backupOf returns the primary's backup store when it is set and active.
func (p *Planner) backupOf(ctx context.Context, primary model.Store) (*model.Store, error) {
	if primary.BackupStoreID == "" {
		return nil, nil
	}
	b, err := p.dir.Store(ctx, primary.BackupStoreID)
	if errors.Is(err, model.ErrNotFound) {
		p.logger.Warn("backup store missing", zap.String("store_id", primary.ID), zap.String("backup_store_id", primary.BackupStoreID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !b.Active() {
		return nil, nil
	}
	return &b, nil
}

// clusterOf lists the active stores of primary's cluster in directory order.
func (p *Planner) clusterOf(ctx context.Context, primary model.Store) ([]model.Store, error) {
	if primary.Cluster == "" {
		return []model.Store{primary}, nil
	}
	active, err := p.dir.ActiveStores(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active stores: %w", err)
	}
	groups := directory.BuildClusterGroups(active)
	byID := make(map[string]model.Store, len(active))
	for _, s := range active {
		byID[s.ID] = s
	}
	stores := make([]model.Store, 0, len(groups[primary.Cluster]))
	for _, id := range groups[primary.Cluster] {
		stores = append(stores, byID[id])
	}
	return stores, nil
}

func (p *Planner) isUpdate(ctx context.Context, order model.Order) (bool, error) {
	if order.DraftOrderID != "" {
		return true, nil
	}
	_, err := p.store.GetOrderInfo(ctx, order.ID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get order info: %w", err)
	}
	return true, nil
}

func (p *Planner) draft(order model.Order, a Allocation) model.SplitOrder {
	s := model.SplitOrder{
		SplitID:            model.SplitID(order.Number, a.Store.Code),
		OrderID:            order.ID,
		OrderReferenceID:   order.Number,
		FulfillmentOrderID: order.FulfillmentOrderID,
		StoreID:            a.Store.ID,
		StoreCode:          a.Store.Code,
		Pincode:            order.ShippingAddress.Pincode,
		Customer:           customerOf(order),
		LineItems:          a.Lines,
		OrderStatus:        model.StatusNew,
	}
	s.Stamp(string(model.StatusNew), p.now().UnixMilli())
	return s
}

func customerOf(o model.Order) model.Customer {
	c := o.Customer
	if c.Phone == "" {
		c.Phone = o.ShippingAddress.Phone
	}
	if c.Name == "" {
		c.Name = o.ShippingAddress.Name
	}
	return c
}

// persist writes one split per allocation. A split that already exists is refreshed
// when it is still new on the update path and kept as is otherwise.
func (p *Planner) persist(ctx context.Context, order model.Order, plan Plan, res *Result) error {
	for _, a := range plan.Allocations {
		d := p.draft(order, a)
		created, err := p.store.CreateSplit(ctx, d)
		if err == nil {
			res.Created = append(res.Created, created.SplitID)
			res.Splits = append(res.Splits, created)
			p.publish(created, "")
			continue
		}
		if !errors.Is(err, model.ErrDuplicateSplit) {
			return fmt.Errorf("create split %s: %w", d.SplitID, err)
		}
		if !res.Update {
			// a concurrent or repeated run already created it
			existing, err := p.store.GetSplit(ctx, d.SplitID)
			if err != nil {
				return fmt.Errorf("get split %s: %w", d.SplitID, err)
			}
			res.Kept = append(res.Kept, existing.SplitID)
			res.Splits = append(res.Splits, existing)
			continue
		}
		s, refreshed, err := p.refresh(ctx, d)
		if err != nil {
			return err
		}
		if refreshed {
			res.Updated = append(res.Updated, s.SplitID)
		} else {
			res.Kept = append(res.Kept, s.SplitID)
		}
		res.Splits = append(res.Splits, s)
	}
	if res.Update {
		return p.supersede(ctx, order, plan, res)
	}
	return nil
}

// supersede cancels splits of an earlier run that are still new and whose store
// is not part of plan. Their units were never picked, so no stock is restored.
func (p *Planner) supersede(ctx context.Context, order model.Order, plan Plan, res *Result) error {
	planned := make(map[string]bool, len(plan.Allocations))
	for _, a := range plan.Allocations {
		planned[a.Store.ID] = true
	}
	existing, err := p.store.ListSplitsByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("list splits: %w", err)
	}
	for _, cur := range existing {
		if planned[cur.StoreID] || cur.OrderStatus != model.StatusNew {
			continue
		}
		s, err := p.store.UpdateSplit(ctx, cur.SplitID, func(sp *model.SplitOrder) error {
			if sp.OrderStatus != model.StatusNew {
				return errKeep
			}
			at := p.now().UnixMilli()
			sp.OrderStatus = model.StatusCancelled
			sp.StockRestored = true
			sp.Stamp("superseded", at)
			sp.Stamp(string(model.StatusCancelled), at)
			return nil
		})
		if errors.Is(err, errKeep) {
			continue
		}
		if err != nil {
			return fmt.Errorf("supersede split %s: %w", cur.SplitID, err)
		}
		res.Superseded = append(res.Superseded, s.SplitID)
		p.logger.Info("split superseded by re-plan",
			zap.String("split_id", s.SplitID), zap.String("store_id", s.StoreID))
		p.publish(s, model.StatusNew)
	}
	return nil
}

func (p *Planner) refresh(ctx context.Context, d model.SplitOrder) (model.SplitOrder, bool, error) {
	refreshed := false
	s, err := p.store.UpdateSplit(ctx, d.SplitID, func(cur *model.SplitOrder) error {
		if cur.OrderStatus != model.StatusNew {
			return errKeep
		}
		cur.LineItems = d.LineItems
		cur.Customer = d.Customer
		cur.Pincode = d.Pincode
		cur.FulfillmentOrderID = d.FulfillmentOrderID
		cur.Stamp("refreshed", p.now().UnixMilli())
		refreshed = true
		return nil
	})
	if errors.Is(err, errKeep) {
		cur, err := p.store.GetSplit(ctx, d.SplitID)
		if err != nil {
			return model.SplitOrder{}, false, fmt.Errorf("get split %s: %w", d.SplitID, err)
		}
		p.logger.Info("split past new, not refreshed",
			zap.String("split_id", cur.SplitID), zap.String("status", string(cur.OrderStatus)))
		return cur, false, nil
	}
	if err != nil {
		return model.SplitOrder{}, false, fmt.Errorf("refresh split %s: %w", d.SplitID, err)
	}
	return s, refreshed, nil
}

var errKeep = errors.New("keep split")

// confirm sends the order confirmation once per order.
func (p *Planner) confirm(ctx context.Context, order model.Order) {
	flipped, err := p.store.MarkSent(ctx, order.ID, model.EventConfirmation)
	if err != nil {
		p.logger.Error("mark confirmation sent failed", zap.String("order_id", order.ID), zap.Error(err))
		return
	}
	if !flipped || p.notifier == nil {
		return
	}
	msg := notify.OrderMessage(order)
	msg.Phone = customerOf(order).Phone
	p.effects.Submit(effects.Effect{
		Name: "notify.confirmation",
		Ref:  order.ID,
		Fn: func(ctx context.Context) error {
			p.notifier.Notify(ctx, model.EventConfirmation, msg)
			return nil
		},
	})
}

func (p *Planner) publish(s model.SplitOrder, from model.OrderStatus) {
	ev := events.Transition(s, from, p.now())
	p.effects.Submit(effects.Effect{
		Name:  "events.publish",
		Ref:   s.SplitID,
		Retry: true,
		Fn:    func(ctx context.Context) error { return p.publisher.Publish(ctx, ev) },
	})
}

// recordGaps flags uncovered quantity for manual review.
func (p *Planner) recordGaps(ctx context.Context, order model.Order, plan Plan) {
	missing := plan.MissingUnits()
	if p.metrics != nil {
		p.metrics.GapUnits.Add(float64(missing))
	}
	for _, g := range plan.Gaps {
		p.logger.Warn("allocation gap",
			zap.String("order_id", order.ID),
			zap.String("line_item_id", g.LineItemID),
			zap.String("sku", g.SKU),
			zap.Int64("requested", g.Requested),
			zap.Int64("missing", g.Missing))
	}
	err := p.store.AppendNotification(ctx, model.NotificationLog{
		ID:        uuid.NewString(),
		Channel:   model.ChannelCoverage,
		Reference: order.ID,
		Event:     "allocation",
		Outcome:   model.OutcomeFailure,
		Message:   gapSummary(plan.Gaps),
		CreatedAt: p.now().UTC(),
	})
	if err != nil {
		p.logger.Error("write coverage gap failed", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func gapSummary(gaps []Gap) string {
	s := ""
	for i, g := range gaps {
		if i > 0 {
			s += "; "
		}
		s += fmt.Sprintf("%s missing %d of %d", g.SKU, g.Missing, g.Requested)
	}
	return s
}
