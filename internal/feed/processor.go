// Package feed pulls raw stock from the inventory feed page by page and refreshes hybrid stock.
package feed

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
	"ofs/internal/metrics"
	"ofs/internal/model"
	"ofs/internal/repo"
	"ofs/internal/stock"
)

// Aggregator refreshes hybrid stock for skus touched by a page.
type Aggregator interface {
	RunSKUs(ctx context.Context, skus []string) (stock.Result, error)
}

// Summary describes a completed or aborted run.
type Summary struct {
	RunID   string
	Pages   int
	Records int
	Skipped int
	Resumed bool
}

type Processor struct {
	src     Source
	dir     directory.Directory
	stock   repo.StockRepository
	agg     Aggregator
	logs    repo.NotificationLogRepository
	cp      CheckpointStore
	logger  *zap.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(l *zap.Logger) Option { return func(p *Processor) { p.logger = l } }
func WithMetrics(m *metrics.Registry) Option { return func(p *Processor) { p.metrics = m } }
func WithTracer(t trace.Tracer) Option { return func(p *Processor) { p.tracer = t } }
func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

func NewProcessor(src Source, dir directory.Directory, st repo.StockRepository, agg Aggregator,
	logs repo.NotificationLogRepository, cp CheckpointStore, opts ...Option) *Processor {
	p := &Processor{
		src:    src,
		dir:    dir,
		stock:  st,
		agg:    agg,
		logs:   logs,
		cp:     cp,
		logger: zap.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("feed"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// start returns the cursor to continue from: the saved one when the last run stopped
// part way, otherwise a fresh run starting at the last completed watermark.
func (p *Processor) start(ctx context.Context) (Cursor, bool, error) {
	cur, ok, err := p.cp.Load(ctx)
	if err != nil {
		return Cursor{}, false, err
	}
	if ok && !cur.Done {
		return cur, true, nil
	}
	next := Cursor{RunID: uuid.NewString(), Page: 1}
	if ok {
		next.Since = cur.MaxSeen
		next.MaxSeen = cur.MaxSeen
	}
	return next, false, nil
}

// Run processes every page after the watermark. On failure the pages already processed
// stay committed, the cursor keeps pointing at the failed page, a failure entry is written
// to the notification log and the error is returned.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	cur, resumed, err := p.start(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load checkpoint: %w", err)
	}
	sum := Summary{RunID: cur.RunID, Resumed: resumed}
	if resumed {
		p.logger.Info("resuming feed run", zap.String("run_id", cur.RunID), zap.Int("page", cur.Page))
	}

	for cur.TotalPages == 0 || cur.Page <= cur.TotalPages {
		res, err := p.processPage(ctx, cur)
		if err != nil {
			p.fail(ctx, cur, err)
			return sum, err
		}
		sum.Pages++
		sum.Records += res.records
		sum.Skipped += res.skipped
		if res.maxSeen.After(cur.MaxSeen) {
			cur.MaxSeen = res.maxSeen
		}
		cur.TotalPages = res.totalPages
		cur.Page++
		if res.totalPages == 0 {
			break
		}
		if err := p.cp.Save(ctx, cur); err != nil {
			p.fail(ctx, cur, err)
			return sum, fmt.Errorf("save checkpoint: %w", err)
		}
	}

	cur.Done = true
	if err := p.cp.Save(ctx, cur); err != nil {
		return sum, fmt.Errorf("save checkpoint: %w", err)
	}
	p.record(ctx, cur.RunID, model.OutcomeSuccess,
		fmt.Sprintf("processed %d pages, %d records, %d skipped", sum.Pages, sum.Records, sum.Skipped))
	p.logger.Info("feed run complete",
		zap.String("run_id", cur.RunID), zap.Int("pages", sum.Pages), zap.Int("records", sum.Records))
	return sum, nil
}

type pageResult struct {
	records    int
	skipped    int
	totalPages int
	maxSeen    time.Time
}

// processPage fetches, stores and aggregates one page.
func (p *Processor) processPage(ctx context.Context, cur Cursor) (res pageResult, err error) {
	ctx, span := p.tracer.Start(ctx, "feed.Page", trace.WithAttributes(
		attribute.String("feed.run_id", cur.RunID),
		attribute.Int("feed.page", cur.Page),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "page failed")
		}
	}()

	page, err := p.src.ListStock(ctx, cur.Since, cur.Page)
	if err != nil {
		var up *model.UpstreamError
		if !errors.As(err, &up) {
			err = &model.UpstreamError{Service: "feed", Op: "list stock", Err: err}
		}
		return pageResult{}, err
	}

	recs := make([]model.StockRecord, 0, len(page.Records))
	skus := make(map[string]struct{})
	for _, r := range page.Records {
		if r.Timestamp.After(res.maxSeen) {
			res.maxSeen = r.Timestamp
		}
		st, ok := p.resolve(ctx, r)
		if !ok {
			res.skipped++
			continue
		}
		recs = append(recs, model.StockRecord{
			SKU:         r.SKU,
			StoreID:     st.ID,
			RawStock:    clamp(r.Stock),
			BufferStock: clamp(r.BufferStock),
			ObservedAt:  r.Timestamp,
		})
		skus[r.SKU] = struct{}{}
	}
	if err := p.stock.UpsertStock(ctx, recs); err != nil {
		return pageResult{}, fmt.Errorf("page %d: %w", cur.Page, err)
	}
	list := make([]string, 0, len(skus))
	for sku := range skus {
		list = append(list, sku)
	}
	sort.Strings(list)
	if _, err := p.agg.RunSKUs(ctx, list); err != nil {
		return pageResult{}, fmt.Errorf("page %d aggregate: %w", cur.Page, err)
	}
	if p.metrics != nil {
		p.metrics.FeedPages.Inc()
		p.metrics.FeedSkipped.Add(float64(res.skipped))
	}
	res.records = len(recs)
	res.totalPages = page.TotalPages
	return res, nil
}

// resolve maps an outlet id to a store by code, falling back to the store id.
func (p *Processor) resolve(ctx context.Context, r Record) (model.Store, bool) {
	if r.SKU == "" || r.OutletID == "" {
		p.logger.Warn("feed record without sku or outlet", zap.String("sku", r.SKU), zap.String("outlet_id", r.OutletID))
		return model.Store{}, false
	}
	st, err := p.dir.StoreByCode(ctx, r.OutletID)
	if err == nil {
		return st, true
	}
	st, err = p.dir.Store(ctx, r.OutletID)
	if err == nil {
		return st, true
	}
	p.logger.Warn("feed record for unknown outlet",
		zap.String("sku", r.SKU), zap.String("outlet_id", r.OutletID), zap.String("store_name", r.StoreName))
	return model.Store{}, false
}

func (p *Processor) fail(ctx context.Context, cur Cursor, err error) {
	if p.metrics != nil {
		p.metrics.FeedFailures.Inc()
	}
	p.logger.Error("feed page failed",
		zap.String("run_id", cur.RunID), zap.Int("page", cur.Page), zap.Error(err))
	p.record(ctx, cur.RunID, model.OutcomeFailure, fmt.Sprintf("page %d: %v", cur.Page, err))
}

func (p *Processor) record(ctx context.Context, runID, outcome, msg string) {
	err := p.logs.AppendNotification(ctx, model.NotificationLog{
		ID:        uuid.NewString(),
		Channel:   model.ChannelFeed,
		Reference: runID,
		Event:     "inventory_sync",
		Outcome:   outcome,
		Message:   msg,
		CreatedAt: p.now().UTC(),
	})
	if err != nil {
		p.logger.Error("write feed notification failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
