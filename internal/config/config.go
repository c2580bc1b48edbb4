package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ServiceName    = "ofs"
	ServiceVersion = "0.1.0"
)

const (
	TracesPath    = "/v1/traces"
	ExportTimeout = 30 * time.Second
	MaxQueueSize  = 2048
)

// Config holds every runtime option. Values come from OFS_* environment variables
// and may be overridden by command-line flags.
type Config struct {
	InventoryMode   string
	SubtractBuffer  bool
	DefaultStrategy string

	StateBackend string
	StateDir     string

	SQLDriver string
	SQLDSN    string

	KafkaBootstrap     string
	EventsTopic        string
	ChangelogTopic     string
	ManifestTopic      string
	NotificationsTopic string
	OrdersTopic        string
	OrdersGroup        string
	ChangelogSink      string
	ChangelogDir       string
	SnapshotDir        string

	OrdersURL    string
	LogisticsURL string
	FeedURL      string
	EmailURL     string

	UpstreamTimeout   time.Duration
	LogisticsAttempts int
	EffectWorkers     int
	EffectQueue       int

	HTTPAddr         string
	FeedPollInterval time.Duration
	FeedCheckpoint   string
	StoresFile       string

	OtelEndpoint   string
	OtelAuthHeader string
	LogLevel       string
	LogJSON        bool
}

// Defaults returns a configuration usable for local runs without any environment.
func Defaults() Config {
	return Config{
		InventoryMode:      "primary-with-backup",
		DefaultStrategy:    "cluster",
		StateBackend:       "memory",
		StateDir:           "./data/state",
		SQLDriver:          "memory",
		EventsTopic:        "ofs.split-events",
		ChangelogTopic:     "ofs.hybrid-changelog",
		ManifestTopic:      "ofs.hybrid-manifest",
		NotificationsTopic: "ofs.sms",
		OrdersTopic:        "ofs.orders-created",
		OrdersGroup:        "ofs-orderintake",
		ChangelogSink:      "file",
		ChangelogDir:       "./data/changelog",
		SnapshotDir:        "./data/snapshots",
		UpstreamTimeout:    5 * time.Second,
		LogisticsAttempts:  3,
		EffectWorkers:      4,
		EffectQueue:        256,
		HTTPAddr:           ":8080",
		FeedCheckpoint:     "./data/feed.cursor.json",
		LogLevel:           "info",
		LogJSON:            true,
	}
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

// Load reads the process environment on top of Defaults.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads configuration through lookup, which lets tests supply a fixed environment.
func LoadFrom(lookup LookupFunc) (Config, error) {
	c := Defaults()
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str("OFS_INVENTORY_MODE", &c.InventoryMode)
	boolean("OFS_SUBTRACT_BUFFER", &c.SubtractBuffer)
	str("OFS_DEFAULT_STRATEGY", &c.DefaultStrategy)
	str("OFS_STATE_BACKEND", &c.StateBackend)
	str("OFS_STATE_DIR", &c.StateDir)
	str("OFS_SQL_DRIVER", &c.SQLDriver)
	str("OFS_SQL_DSN", &c.SQLDSN)
	str("OFS_KAFKA_BOOTSTRAP", &c.KafkaBootstrap)
	str("OFS_EVENTS_TOPIC", &c.EventsTopic)
	str("OFS_CHANGELOG_TOPIC", &c.ChangelogTopic)
	str("OFS_MANIFEST_TOPIC", &c.ManifestTopic)
	str("OFS_NOTIFICATIONS_TOPIC", &c.NotificationsTopic)
	str("OFS_ORDERS_TOPIC", &c.OrdersTopic)
	str("OFS_ORDERS_GROUP", &c.OrdersGroup)
	str("OFS_CHANGELOG_SINK", &c.ChangelogSink)
	str("OFS_CHANGELOG_DIR", &c.ChangelogDir)
	str("OFS_SNAPSHOT_DIR", &c.SnapshotDir)
	str("OFS_ORDERS_URL", &c.OrdersURL)
	str("OFS_LOGISTICS_URL", &c.LogisticsURL)
	str("OFS_FEED_URL", &c.FeedURL)
	str("OFS_EMAIL_URL", &c.EmailURL)
	duration("OFS_UPSTREAM_TIMEOUT", &c.UpstreamTimeout)
	integer("OFS_LOGISTICS_ATTEMPTS", &c.LogisticsAttempts)
	integer("OFS_EFFECT_WORKERS", &c.EffectWorkers)
	integer("OFS_EFFECT_QUEUE", &c.EffectQueue)
	str("OFS_HTTP_ADDR", &c.HTTPAddr)
	duration("OFS_FEED_POLL_INTERVAL", &c.FeedPollInterval)
	str("OFS_FEED_CHECKPOINT", &c.FeedCheckpoint)
	str("OFS_STORES_FILE", &c.StoresFile)
	str("OTEL_ENDPOINT", &c.OtelEndpoint)
	str("OTEL_AUTH_HEADER", &c.OtelAuthHeader)
	str("OFS_LOG_LEVEL", &c.LogLevel)
	boolean("OFS_LOG_JSON", &c.LogJSON)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return c, nil
}

// BindFlags registers flags that override the loaded values. Call fs.Parse afterwards.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.InventoryMode, "inventory-mode", c.InventoryMode, "single|primary-with-backup|cluster")
	fs.BoolVar(&c.SubtractBuffer, "subtract-buffer", c.SubtractBuffer, "subtract buffer stock before aggregating")
	fs.StringVar(&c.DefaultStrategy, "strategy", c.DefaultStrategy, "default allocation strategy: primary|primary-with-backup|cluster|highest-inventory")
	fs.StringVar(&c.StateBackend, "state-backend", c.StateBackend, "memory|pebble|badger")
	fs.StringVar(&c.StateDir, "state-dir", c.StateDir, "directory for the pebble/badger hybrid stock store")
	fs.StringVar(&c.SQLDriver, "sql-driver", c.SQLDriver, "memory|sqlite|postgres")
	fs.StringVar(&c.SQLDSN, "sql-dsn", c.SQLDSN, "sql data source name")
	fs.StringVar(&c.KafkaBootstrap, "bootstrap", c.KafkaBootstrap, "kafka bootstrap servers, comma-separated")
	fs.StringVar(&c.ChangelogSink, "changelog-sink", c.ChangelogSink, "file|kafka|both|none")
	fs.StringVar(&c.ChangelogDir, "changelog-dir", c.ChangelogDir, "directory for the JSONL change log")
	fs.StringVar(&c.SnapshotDir, "snapshot-dir", c.SnapshotDir, "directory for hybrid stock snapshots and manifest")
	fs.StringVar(&c.OrdersURL, "orders-url", c.OrdersURL, "order source base url")
	fs.StringVar(&c.LogisticsURL, "logistics-url", c.LogisticsURL, "logistics provider base url")
	fs.StringVar(&c.FeedURL, "feed-url", c.FeedURL, "inventory feed base url")
	fs.StringVar(&c.EmailURL, "email-url", c.EmailURL, "email sender base url")
	fs.DurationVar(&c.UpstreamTimeout, "upstream-timeout", c.UpstreamTimeout, "timeout for each upstream call")
	fs.IntVar(&c.LogisticsAttempts, "logistics-attempts", c.LogisticsAttempts, "attempts for logistics task create/cancel")
	fs.IntVar(&c.EffectWorkers, "effect-workers", c.EffectWorkers, "side-effect worker goroutines")
	fs.IntVar(&c.EffectQueue, "effect-queue", c.EffectQueue, "side-effect queue capacity")
	fs.StringVar(&c.HTTPAddr, "addr", c.HTTPAddr, "http listen address")
	fs.DurationVar(&c.FeedPollInterval, "feed-interval", c.FeedPollInterval, "inventory feed poll interval, 0 disables polling")
	fs.StringVar(&c.FeedCheckpoint, "feed-checkpoint", c.FeedCheckpoint, "feed cursor checkpoint file")
	fs.StringVar(&c.StoresFile, "stores-file", c.StoresFile, "JSON array of stores loaded into the directory at start")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug|info|warn|error")
}

var (
	inventoryModes = []string{"single", "primary-with-backup", "cluster"}
	strategies     = []string{"primary", "primary-with-backup", "cluster", "highest-inventory"}
	stateBackends  = []string{"memory", "pebble", "badger"}
	sqlDrivers     = []string{"memory", "sqlite", "postgres"}
	changelogSinks = []string{"file", "kafka", "both", "none"}
)

func oneOf(name, v string, allowed []string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, "|"), v)
}

// Validate reports every invalid option at once.
func (c Config) Validate() error {
	var errs []error
	for _, chk := range []error{
		oneOf("inventory mode", c.InventoryMode, inventoryModes),
		oneOf("strategy", c.DefaultStrategy, strategies),
		oneOf("state backend", c.StateBackend, stateBackends),
		oneOf("sql driver", c.SQLDriver, sqlDrivers),
		oneOf("changelog sink", c.ChangelogSink, changelogSinks),
	} {
		if chk != nil {
			errs = append(errs, chk)
		}
	}
	if c.StateBackend != "memory" && c.StateDir == "" {
		errs = append(errs, fmt.Errorf("state dir is required for the %s backend", c.StateBackend))
	}
	if c.SQLDriver != "memory" && c.SQLDSN == "" {
		errs = append(errs, fmt.Errorf("sql dsn is required for the %s driver", c.SQLDriver))
	}
	if (c.ChangelogSink == "kafka" || c.ChangelogSink == "both") && c.KafkaBootstrap == "" {
		errs = append(errs, fmt.Errorf("kafka bootstrap is required for the %s changelog sink", c.ChangelogSink))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("upstream timeout must be positive"))
	}
	if c.LogisticsAttempts < 1 {
		errs = append(errs, fmt.Errorf("logistics attempts must be at least 1"))
	}
	if c.EffectWorkers < 1 || c.EffectQueue < 1 {
		errs = append(errs, fmt.Errorf("effect workers and queue must be at least 1"))
	}
	return errors.Join(errs...)
}
