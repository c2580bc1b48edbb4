package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ofs/internal/app"
	"ofs/internal/config"
	"ofs/internal/feed"
	"ofs/internal/metrics"
	"ofs/internal/observability"
)

// feedsync pulls the inventory feed into hybrid stock and publishes a snapshot
// after each run. Without -feed-interval it runs once and exits.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	fs := flag.NewFlagSet("feedsync", flag.ExitOnError)
	cfg.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("feedsync failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := app.New(ctx, cfg, logger, metrics.NewRegistry(), app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err = errors.Join(err, c.Close(closeCtx))
	}()

	proc, err := c.FeedProcessor()
	if err != nil {
		return err
	}
	if cfg.FeedPollInterval <= 0 {
		return once(ctx, c, proc)
	}

	ticker := time.NewTicker(cfg.FeedPollInterval)
	defer ticker.Stop()
	for {
		if err := once(ctx, c, proc); err != nil {
			logger.Error("feed cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return nil
		case <-ticker.C:
		}
	}
}

func once(ctx context.Context, c *app.Container, proc *feed.Processor) error {
	sum, err := proc.Run(ctx)
	if err != nil {
		return err
	}
	id, err := c.Checkpoint(ctx)
	if err != nil {
		return err
	}
	c.Logger.Info("feed synced",
		zap.Int("pages", sum.Pages),
		zap.Int("records", sum.Records),
		zap.Int("skipped", sum.Skipped),
		zap.String("snapshot_id", id))
	return nil
}
