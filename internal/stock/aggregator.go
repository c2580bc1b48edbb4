// Package stock maintains hybrid stock records from raw per-store stock.
package stock

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"ofs/internal/changelog"
	"ofs/internal/directory"
	"ofs/internal/metrics"
	"ofs/internal/model"
	"ofs/internal/repo"
	"ofs/internal/state"
)

// Product is one catalogue variant and the skus to aggregate for it.
type Product struct {
	Meta model.ProductMeta
	SKUs []string
}

// Result summarises a run.
type Result struct {
	Products int
	SKUs     int
	Created  int
	Updated  int
	Failed   int
}

// Aggregator turns raw stock rows into hybrid stock records under one Strategy.
type Aggregator struct {
	stock          repo.StockRepository
	dir            directory.Directory
	store          state.Store
	changelog      changelog.Writer
	strategy       Strategy
	subtractBuffer bool
	logger         *zap.Logger
	metrics        *metrics.Registry
	tracer         trace.Tracer
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithSubtractBuffer(on bool) Option { return func(a *Aggregator) { a.subtractBuffer = on } }
func WithChangelog(w changelog.Writer) Option { return func(a *Aggregator) { a.changelog = w } }
func WithLogger(l *zap.Logger) Option { return func(a *Aggregator) { a.logger = l } }
func WithMetrics(m *metrics.Registry) Option { return func(a *Aggregator) { a.metrics = m } }
func WithTracer(t trace.Tracer) Option { return func(a *Aggregator) { a.tracer = t } }

func NewAggregator(stock repo.StockRepository, dir directory.Directory, st state.Store, strategy Strategy, opts ...Option) *Aggregator {
	a := &Aggregator{
		stock:     stock,
		dir:       dir,
		store:     st,
		changelog: changelog.Discard{},
		strategy:  strategy,
		logger:    zap.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("stock"),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RunSKUs aggregates skus that have no catalogue metadata attached.
func (a *Aggregator) RunSKUs(ctx context.Context, skus []string) (Result, error) {
	products := make([]Product, 0, len(skus))
	for _, sku := range skus {
		products = append(products, Product{SKUs: []string{sku}})
	}
	return a.Run(ctx, products)
}

// Run aggregates every sku of every product. Queued records are flushed at the end of
// each product. A failing sku is logged and counted; it does not stop the run.
func (a *Aggregator) Run(ctx context.Context, products []Product) (Result, error) {
	ctx, span := a.tracer.Start(ctx, "stock.Aggregate", trace.WithAttributes(
		attribute.String("inventory.mode", string(a.strategy.Mode())),
		attribute.Int("products", len(products)),
	))
	defer span.End()

	active, err := a.dir.ActiveStores(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list stores")
		return Result{}, fmt.Errorf("list active stores: %w", err)
	}
	clusters := directory.BuildClusterGroups(active)

	var res Result
	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var creates, updates []model.HybridStockRecord
		for _, sku := range p.SKUs {
			res.SKUs++
			c, u, err := a.computeSKU(ctx, sku, p.Meta, active, clusters)
			if err != nil {
				res.Failed++
				a.failed()
				a.logger.Error("aggregate sku failed", zap.String("sku", sku), zap.Error(err))
				continue
			}
			creates = append(creates, c...)
			updates = append(updates, u...)
		}
		if len(creates) > 0 || len(updates) > 0 {
			created, updated, failed := a.flush(creates, updates)
			res.Created += created
			res.Updated += updated
			res.Failed += failed
		}
		res.Products++
	}
	span.SetAttributes(
		attribute.Int("created", res.Created),
		attribute.Int("updated", res.Updated),
		attribute.Int("failed", res.Failed),
	)
	return res, nil
}

// computeSKU recomputes the hybrid records of every store that depends on the sku.
// Inactive stores are zeroed when they already have a record and skipped otherwise.
func (a *Aggregator) computeSKU(ctx context.Context, sku string, meta model.ProductMeta, active []model.Store, clusters directory.ClusterGroup) (creates, updates []model.HybridStockRecord, err error) {
	rows, err := a.stock.StockBySKU(ctx, sku)
	if err != nil {
		return nil, nil, fmt.Errorf("load stock: %w", err)
	}
	v := &View{
		SKU:            sku,
		Rows:           make(map[string]model.StockRecord, len(rows)),
		Clusters:       clusters,
		Directory:      a.dir,
		SubtractBuffer: a.subtractBuffer,
	}
	for _, r := range rows {
		v.Rows[r.StoreID] = r
	}
	targets, err := a.targets(ctx, sku, rows, active)
	if err != nil {
		return nil, nil, err
	}
	now := state.NowMillis()
	for _, st := range targets {
		key := model.StockKey(st.ID, sku)
		cur, exists := a.store.Get(key)
		var primary, backup int64
		if st.Active() {
			primary, backup, err = a.strategy.Compute(ctx, v, st)
			if err != nil {
				return nil, nil, fmt.Errorf("store %s: %w", st.ID, err)
			}
		} else if !exists {
			continue
		}
		if exists {
			cur.PrimaryStock, cur.BackupStock, cur.UpdatedAt = primary, backup, now
			updates = append(updates, state.Normalize(cur))
			continue
		}
		creates = append(creates, state.Normalize(model.HybridStockRecord{
			SKU:          sku,
			StoreID:      st.ID,
			PrimaryStock: primary,
			BackupStock:  backup,
			Product:      meta,
			UpdatedAt:    now,
		}))
	}
	return creates, updates, nil
}

// targets lists stores holding a row for the sku, then the active stores whose
// stock reads an active holder's row: cluster peers in cluster mode and stores
// backed by a holder in primary-with-backup mode.
func (a *Aggregator) targets(ctx context.Context, sku string, rows []model.StockRecord, active []model.Store) ([]model.Store, error) {
	var out []model.Store
	seen := make(map[string]bool, len(rows))
	add := func(st model.Store) {
		if !seen[st.ID] {
			seen[st.ID] = true
			out = append(out, st)
		}
	}
	holders := make(map[string]model.Store, len(rows))
	for _, r := range rows {
		st, err := a.dir.Store(ctx, r.StoreID)
		if errors.Is(err, model.ErrNotFound) {
			a.logger.Warn("stock row for unknown store", zap.String("sku", sku), zap.String("store_id", r.StoreID))
			continue
		}
		if err != nil {
			return nil, err
		}
		if st.Active() {
			holders[st.ID] = st
		}
		add(st)
	}
	switch a.strategy.Mode() {
	case ModeCluster:
		pooled := make(map[string]bool)
		for _, h := range holders {
			if h.Cluster != "" {
				pooled[h.Cluster] = true
			}
		}
		for _, st := range active {
			if pooled[st.Cluster] {
				add(st)
			}
		}
	case ModePrimaryWithBackup:
		for _, st := range active {
			if _, ok := holders[st.BackupStoreID]; ok && st.BackupStoreID != st.ID {
				add(st)
			}
		}
	}
	return out, nil
}

func (a *Aggregator) flush(creates, updates []model.HybridStockRecord) (created, updated, failed int) {
	write := func(rec model.HybridStockRecord) bool {
		if err := a.store.Put(rec); err != nil {
			a.failed()
			a.logger.Error("hybrid upsert failed",
				zap.String("sku", rec.SKU), zap.String("store_id", rec.StoreID), zap.Error(err))
			return false
		}
		if a.metrics != nil {
			a.metrics.HybridUpserts.Inc()
		}
		if err := a.changelog.Append(changelog.SetDelta(rec)); err != nil {
			a.logger.Warn("changelog append failed", zap.String("key", rec.Key()), zap.Error(err))
		} else if a.metrics != nil {
			a.metrics.ChangelogAppended.Inc()
		}
		return true
	}
	for _, rec := range creates {
		if write(rec) {
			created++
		} else {
			failed++
		}
	}
	for _, rec := range updates {
		if write(rec) {
			updated++
		} else {
			failed++
		}
	}
	return created, updated, failed
}

func (a *Aggregator) failed() {
	if a.metrics != nil {
		a.metrics.HybridFailures.Inc()
	}
}
