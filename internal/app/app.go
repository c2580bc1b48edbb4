// Package app builds the service graph from configuration.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"ofs/internal/allocation"
	"ofs/internal/api"
	"ofs/internal/changelog"
	"ofs/internal/config"
	"ofs/internal/directory"
	"ofs/internal/effects"
	"ofs/internal/events"
	"ofs/internal/feed"
	"ofs/internal/httpjson"
	"ofs/internal/keylock"
	"ofs/internal/lifecycle"
	"ofs/internal/logistics"
	"ofs/internal/manifest"
	"ofs/internal/metrics"
	"ofs/internal/model"
	"ofs/internal/notify"
	"ofs/internal/observability"
	"ofs/internal/orders"
	"ofs/internal/repo"
	"ofs/internal/snapshot"
	"ofs/internal/sqlstore"
	"ofs/internal/state"
	"ofs/internal/stock"
)

// ChangelogFile is the JSONL change log name under the changelog directory.
const ChangelogFile = "hybrid.jsonl"

// OrderPlatform is everything the service needs from the order source.
type OrderPlatform interface {
	allocation.OrderFinder
	lifecycle.OrderPlatform
}

// Container owns every long-lived component. Close releases them in reverse order.
type Container struct {
	Config     config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Registry
	Repo       repo.Repository
	Directory  *directory.MemoryDirectory
	State      state.Store
	Changelog  changelog.Writer
	Effects    *effects.Runner
	Publisher  events.Publisher
	Orders     OrderPlatform
	Gateway    logistics.Gateway
	Notifier   *notify.Dispatcher
	Aggregator *stock.Aggregator
	Planner    *allocation.Planner
	Lifecycle  *lifecycle.Service

	changelogFile *changelog.FileWriter
	manifests     manifest.Publisher
	closers       []func(context.Context) error
}

// Options overrides collaborators, mainly for tests and local runs.
type Options struct {
	Orders  OrderPlatform
	Gateway logistics.Gateway
}

// New wires the container. On error everything opened so far is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, m *metrics.Registry, o Options) (_ *Container, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewRegistry()
	}
	c := &Container{Config: cfg, Logger: logger, Metrics: m}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	if err := c.openRepo(ctx); err != nil {
		return nil, err
	}
	c.Directory = directory.NewMemoryDirectory()
	if cfg.StoresFile != "" {
		if err := c.LoadStores(ctx, cfg.StoresFile); err != nil {
			return nil, err
		}
	} else if err := c.Directory.Refresh(ctx, c.Repo); err != nil {
		return nil, fmt.Errorf("load stores: %w", err)
	}
	if err := c.openState(); err != nil {
		return nil, err
	}
	if err := c.openChangelog(); err != nil {
		return nil, err
	}
	c.openManifests()

	c.Effects = effects.NewRunner(cfg.EffectWorkers, cfg.EffectQueue,
		effects.WithLogger(logger.Named("effects")),
		effects.WithMetrics(m),
		effects.WithTimeout(cfg.UpstreamTimeout))
	c.closers = append(c.closers, c.Effects.Close)

	c.openPublisher()
	if err := c.openNotifier(); err != nil {
		return nil, err
	}

	c.Orders = o.Orders
	if c.Orders == nil {
		if cfg.OrdersURL == "" {
			logger.Warn("no order source configured, using an empty in-memory source")
			c.Orders = orders.NewMemory()
		} else {
			c.Orders = orders.NewHTTPClient(cfg.OrdersURL, cfg.UpstreamTimeout)
		}
	}
	c.Gateway = o.Gateway
	if c.Gateway == nil {
		if cfg.LogisticsURL == "" {
			logger.Warn("no logistics endpoint configured, using the in-process carrier stub")
			c.Gateway = logistics.NewStub()
		} else {
			c.Gateway = logistics.NewRetrying(logistics.NewHTTPGateway(cfg.LogisticsURL, cfg.UpstreamTimeout),
				logistics.WithAttempts(cfg.LogisticsAttempts),
				logistics.WithCallTimeout(cfg.UpstreamTimeout),
				logistics.WithLogger(logger.Named("logistics")))
		}
	}

	strategy, err := stock.StrategyFor(stock.Mode(cfg.InventoryMode))
	if err != nil {
		return nil, err
	}
	c.Aggregator = stock.NewAggregator(c.Repo, c.Directory, c.State, strategy,
		stock.WithSubtractBuffer(cfg.SubtractBuffer),
		stock.WithChangelog(c.Changelog),
		stock.WithLogger(logger.Named("stock")),
		stock.WithMetrics(m),
		stock.WithTracer(observability.Tracer("stock")))

	def, err := allocation.ParseStrategy(cfg.DefaultStrategy)
	if err != nil {
		return nil, err
	}
	c.Planner = allocation.NewPlanner(c.Orders, c.Directory, c.Repo,
		allocation.WithDefaultStrategy(def),
		allocation.WithSubtractBuffer(cfg.SubtractBuffer),
		allocation.WithNotifier(c.Notifier),
		allocation.WithEffects(c.Effects),
		allocation.WithPublisher(c.Publisher),
		allocation.WithLocker(keylock.New()),
		allocation.WithLogger(logger.Named("planner")),
		allocation.WithMetrics(m),
		allocation.WithTracer(observability.Tracer("allocation")))

	c.Lifecycle = lifecycle.NewService(c.Repo, c.State, c.Gateway, c.Orders,
		lifecycle.WithChangelog(c.Changelog),
		lifecycle.WithNotifier(c.Notifier),
		lifecycle.WithEffects(c.Effects),
		lifecycle.WithPublisher(c.Publisher),
		lifecycle.WithLocker(keylock.New()),
		lifecycle.WithLogger(logger.Named("lifecycle")),
		lifecycle.WithMetrics(m),
		lifecycle.WithTracer(observability.Tracer("lifecycle")))
	return c, nil
}

func (c *Container) openRepo(ctx context.Context) error {
	switch c.Config.SQLDriver {
	case "memory":
		c.Repo = repo.NewMemory()
		return nil
	case "sqlite", "postgres":
		s, err := sqlstore.Open(ctx, c.Config.SQLDriver, c.Config.SQLDSN)
		if err != nil {
			return fmt.Errorf("open %s: %w", c.Config.SQLDriver, err)
		}
		c.Repo = s
		c.closers = append(c.closers, func(context.Context) error { return s.Close() })
		return nil
	}
	return fmt.Errorf("unknown sql driver %q", c.Config.SQLDriver)
}

func (c *Container) openState() error {
	switch c.Config.StateBackend {
	case "memory":
		c.State = state.NewInMemoryStore()
	case "pebble":
		ps, err := state.NewPebbleStore(c.Config.StateDir)
		if err != nil {
			return fmt.Errorf("init pebble: %w", err)
		}
		c.State = ps
		c.closers = append(c.closers, func(context.Context) error { return ps.Close() })
	case "badger":
		bs, err := state.NewBadgerStore(c.Config.StateDir)
		if err != nil {
			return fmt.Errorf("init badger: %w", err)
		}
		c.State = bs
		c.closers = append(c.closers, func(context.Context) error { return bs.Close() })
	default:
		return fmt.Errorf("unknown state backend %q", c.Config.StateBackend)
	}
	return nil
}

func (c *Container) openChangelog() error {
	sink := c.Config.ChangelogSink
	var ws []changelog.Writer
	if sink == "file" || sink == "both" {
		fw, err := changelog.NewFileWriter(c.Config.ChangelogDir, ChangelogFile)
		if err != nil {
			return fmt.Errorf("init changelog file: %w", err)
		}
		c.changelogFile = fw
		ws = append(ws, fw)
	}
	if sink == "kafka" || sink == "both" {
		kw := changelog.NewKafkaWriter(c.Config.KafkaBootstrap, c.Config.ChangelogTopic)
		c.closers = append(c.closers, func(context.Context) error { return kw.Close() })
		ws = append(ws, kw)
	}
	switch len(ws) {
	case 0:
		c.Changelog = changelog.Discard{}
	case 1:
		c.Changelog = ws[0]
	default:
		c.Changelog = changelog.NewMultiWriter(ws...)
	}
	return nil
}

func (c *Container) openPublisher() {
	if c.Config.KafkaBootstrap == "" {
		c.Publisher = events.LogPublisher{Logger: c.Logger.Named("events")}
		return
	}
	kp := events.NewKafkaPublisher(c.Config.KafkaBootstrap, c.Config.EventsTopic)
	c.Publisher = kp
	c.closers = append(c.closers, func(context.Context) error { return kp.Close() })
}

func (c *Container) openNotifier() error {
	var (
		sms   notify.SMSSender
		email notify.EmailSender
	)
	if c.Config.KafkaBootstrap != "" {
		ks, err := notify.NewKafkaSMSSender(c.Config.KafkaBootstrap, c.Config.NotificationsTopic)
		if err != nil {
			return fmt.Errorf("init sms producer: %w", err)
		}
		sms = ks
		c.closers = append(c.closers, func(context.Context) error { ks.Close(); return nil })
	}
	if c.Config.EmailURL != "" {
		email = notify.NewHTTPEmailSender(c.Config.EmailURL, c.Config.UpstreamTimeout)
	}
	c.Notifier = notify.NewDispatcher(sms, email, c.Repo,
		notify.WithLogger(c.Logger.Named("notify")),
		notify.WithMetrics(c.Metrics),
		notify.WithTimeout(c.Config.UpstreamTimeout))
	return nil
}

// LoadStores upserts the stores listed in a JSON file and refreshes the directory.
func (c *Container) LoadStores(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read stores: %w", err)
	}
	var stores []model.Store
	if err := json.Unmarshal(b, &stores); err != nil {
		return fmt.Errorf("decode stores: %w", err)
	}
	for _, st := range stores {
		if err := c.Repo.UpsertStore(ctx, st); err != nil {
			return fmt.Errorf("upsert store %s: %w", st.ID, err)
		}
	}
	if err := c.Directory.Refresh(ctx, c.Repo); err != nil {
		return fmt.Errorf("load stores: %w", err)
	}
	c.Logger.Info("stores loaded", zap.String("path", path), zap.Int("stores", len(stores)))
	return nil
}

// Server returns the operator API over the container's components.
func (c *Container) Server() *api.Server {
	return api.New(c.Planner, c.Lifecycle, c.Repo,
		api.WithLogger(c.Logger.Named("api")),
		api.WithMetrics(c.Metrics))
}

// FeedSource picks the inventory feed: a file:// url reads JSONL pages from disk.
func (c *Container) FeedSource() (feed.Source, error) {
	u := c.Config.FeedURL
	switch {
	case u == "":
		return nil, errors.New("no feed url configured")
	case strings.HasPrefix(u, "file://"):
		return feed.NewFileSource(strings.TrimPrefix(u, "file://"), 0), nil
	}
	return feed.NewHTTPSource(httpjson.New("feed", u, c.Config.UpstreamTimeout)), nil
}

// FeedProcessor builds a feed processor checkpointing to the configured file.
func (c *Container) FeedProcessor() (*feed.Processor, error) {
	src, err := c.FeedSource()
	if err != nil {
		return nil, err
	}
	return feed.NewProcessor(src, c.Directory, c.Repo, c.Aggregator, c.Repo,
		feed.NewFileCheckpoint(c.Config.FeedCheckpoint),
		feed.WithLogger(c.Logger.Named("feed")),
		feed.WithMetrics(c.Metrics),
		feed.WithTracer(observability.Tracer("feed"))), nil
}

// Checkpoint writes a hybrid stock snapshot and publishes a manifest pointing at it and
// at the change log position it covers. The offset is read before the snapshot so a
// restore may replay a few deltas twice, which set timestamps and adjust tokens absorb.
func (c *Container) Checkpoint(ctx context.Context) (string, error) {
	var offset int64
	if c.changelogFile != nil {
		n, err := c.changelogFile.Lines()
		if err != nil {
			return "", fmt.Errorf("changelog offset: %w", err)
		}
		offset = n
	}
	id := time.Now().UTC().Format("20060102T150405.000Z")
	n, err := snapshot.NewFilesystemSnapshotter(c.Config.SnapshotDir).WriteSnapshot(id, c.State)
	if err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	m := manifest.Manifest{
		SnapshotID:          id,
		LastChangelogOffset: offset,
		Records:             n,
		InventoryMode:       c.Config.InventoryMode,
	}
	if err := c.manifests.Publish(m); err != nil {
		return "", fmt.Errorf("publish manifest: %w", err)
	}
	c.Logger.Info("snapshot published",
		zap.String("snapshot_id", id),
		zap.Int("records", n),
		zap.Int64("changelog_offset", offset))
	return id, nil
}

func (c *Container) openManifests() {
	fs := manifest.NewFilesystemManifest(c.Config.SnapshotDir)
	if c.Config.KafkaBootstrap == "" {
		c.manifests = fs
		return
	}
	km := manifest.NewKafkaManifest(c.Config.KafkaBootstrap, c.Config.ManifestTopic, "")
	c.closers = append(c.closers, func(context.Context) error { return km.Close() })
	c.manifests = manifest.MultiPublisher(fs, km)
}

// ChangelogPath is the JSONL change log the restore replays.
func (c *Container) ChangelogPath() string {
	return filepath.Join(c.Config.ChangelogDir, ChangelogFile)
}

// Close drains side effects and closes stores and producers.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil && !errors.Is(err, effects.ErrClosed) {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
