package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"ofs/internal/app"
	"ofs/internal/changelog"
	"ofs/internal/config"
	"ofs/internal/manifest"
	"ofs/internal/metrics"
	"ofs/internal/observability"
	"ofs/internal/restore"
	"ofs/internal/state"
)

// recover rebuilds hybrid stock from the latest manifest on a loop and reports
// how long a restore takes and how far behind the change log it ends up.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	var (
		manifestSource  string
		changelogSource string
		metricsAddr     string
		poll            time.Duration
	)
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	cfg.BindFlags(fs)
	fs.StringVar(&manifestSource, "manifest-source", "file", "file|kafka")
	fs.StringVar(&changelogSource, "changelog-source", "file", "file|kafka")
	fs.StringVar(&metricsAddr, "metrics-addr", ":9090", "listen address for /metrics")
	fs.DurationVar(&poll, "poll", 10*time.Second, "interval between recovery cycles")
	_ = fs.Parse(os.Args[1:])

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if (manifestSource == "kafka" || changelogSource == "kafka") && cfg.KafkaBootstrap == "" {
		logger.Fatal("kafka sources need -bootstrap")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewRegistry()
	srv := &http.Server{Addr: metricsAddr, Handler: m.Handler(), ReadTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	brokers := changelog.SplitBrokers(cfg.KafkaBootstrap)
	var reader manifest.Reader = manifest.NewFilesystemManifest(cfg.SnapshotDir)
	if manifestSource == "kafka" {
		reader = restore.NewKafkaReader(brokers, cfg.ManifestTopic, manifest.DefaultKafkaKey)
	}
	changelogPath := filepath.Join(cfg.ChangelogDir, app.ChangelogFile)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		cycle(logger, m, reader, cfg, brokers, changelogSource, changelogPath)
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return
		case <-ticker.C:
		}
	}
}

// cycle restores into a fresh in-memory store so every run measures a cold start.
func cycle(logger *zap.Logger, m *metrics.Registry, reader manifest.Reader, cfg config.Config, brokers []string, source, changelogPath string) {
	start := time.Now()
	man, err := reader.ReadLatest()
	if errors.Is(err, manifest.ErrNoManifest) {
		logger.Info("no manifest published yet")
		return
	}
	if err != nil {
		logger.Warn("read manifest", zap.Error(err))
		return
	}
	r := restore.NewRestorer(state.NewInMemoryStore(), reader, cfg.SnapshotDir, changelogPath, logger)
	if err := r.RestoreFromSnapshot(man.SnapshotID); err != nil {
		logger.Warn("restore snapshot", zap.String("snapshot_id", man.SnapshotID), zap.Error(err))
		return
	}

	var res restore.RestoreResult
	if source == "kafka" {
		res = r.ReplayChangelogKafka(brokers, cfg.ChangelogTopic, man.LastChangelogOffset)
	} else {
		res = r.ReplayChangelog(changelogPath, man.LastChangelogOffset)
	}
	if res.Error != nil {
		logger.Warn("replay", zap.Error(res.Error))
		return
	}

	ttr := time.Since(start)
	m.ReplayApplied.Add(float64(res.Applied))
	m.ReplaySkipped.Add(float64(res.Skipped))
	m.TTRSec.Set(ttr.Seconds())
	m.LastManifestAgeSec.Set(man.Age(time.Now()).Seconds())
	if source == "kafka" {
		if head := headOffset(brokers[0], cfg.ChangelogTopic); head >= 0 && res.LastOffset >= 0 {
			m.ReplayLag.Set(float64(head - res.LastOffset))
		}
	}
	logger.Info("recovery cycle",
		zap.String("snapshot_id", man.SnapshotID),
		zap.Int("snapshot_records", man.Records),
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
		zap.Duration("ttr", ttr))
}

// headOffset returns the offset of the newest message in partition 0, or -1.
func headOffset(broker, topic string) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := kafka.DialLeader(ctx, "tcp", broker, topic, 0)
	if err != nil {
		return -1
	}
	defer conn.Close()
	off, err := conn.ReadLastOffset()
	if err != nil {
		return -1
	}
	return off - 1
}
