package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
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

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	fs := flag.NewFlagSet("ofs", flag.ExitOnError)
	cfg.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ofs failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint, cfg.OtelAuthHeader)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, shutdownTracing(context.Background())) }()

	c, err := app.New(ctx, cfg, logger, metrics.NewRegistry(), app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err = errors.Join(err, c.Close(closeCtx))
	}()

	if cfg.FeedPollInterval > 0 {
		proc, err := c.FeedProcessor()
		if err != nil {
			return err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			pollFeed(ctx, c, proc, cfg.FeedPollInterval)
		}()
		// the poller must be gone before the container closes its stores
		defer func() { stop(); <-done }()
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		BaseContext:  func(net.Listener) context.Context { return ctx },
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		Handler:      c.Server().Handler(),
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-srvErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		stop()
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// pollFeed runs the feed every interval and publishes a snapshot after each good run.
func pollFeed(ctx context.Context, c *app.Container, proc *feed.Processor, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := proc.Run(ctx); err != nil {
			c.Logger.Error("feed run failed", zap.Error(err))
		} else if _, err := c.Checkpoint(ctx); err != nil {
			c.Logger.Error("checkpoint failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
