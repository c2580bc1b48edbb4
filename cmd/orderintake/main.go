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

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"ofs/internal/app"
	"ofs/internal/config"
	"ofs/internal/intake"
	"ofs/internal/metrics"
	"ofs/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	fs := flag.NewFlagSet("orderintake", flag.ExitOnError)
	cfg.BindFlags(fs)
	fs.StringVar(&cfg.OrdersTopic, "topic-in", cfg.OrdersTopic, "order-created topic")
	fs.StringVar(&cfg.OrdersGroup, "group-id", cfg.OrdersGroup, "consumer group id")
	_ = fs.Parse(os.Args[1:])

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.KafkaBootstrap == "" {
		logger.Fatal("orderintake needs -bootstrap")
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("orderintake failed", zap.Error(err))
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

	consumer, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  cfg.KafkaBootstrap,
		"group.id":           cfg.OrdersGroup,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return err
	}
	defer consumer.Close()
	if err := consumer.SubscribeTopics([]string{cfg.OrdersTopic}, nil); err != nil {
		return err
	}

	h := intake.NewHandler(c.Planner, intake.WithLogger(logger.Named("intake")))
	logger.Info("order intake started", zap.String("bootstrap", cfg.KafkaBootstrap), zap.String("topic", cfg.OrdersTopic), zap.String("group", cfg.OrdersGroup))

	for ctx.Err() == nil {
		msg, err := consumer.ReadMessage(2 * time.Second)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) && kerr.IsTimeout() {
				continue
			}
			logger.Warn("read failed", zap.Error(err))
			continue
		}

		commit, herr := h.Handle(ctx, msg.Value)
		if !commit {
			// rewind so the event comes back on the next read
			logger.Warn("leaving order event for redelivery", zap.Any("partition", msg.TopicPartition), zap.Error(herr))
			if err := consumer.Seek(msg.TopicPartition, 0); err != nil {
				logger.Error("seek failed", zap.Error(err))
			}
			continue
		}
		if _, err := consumer.CommitMessage(msg); err != nil {
			logger.Error("offset commit failed", zap.Error(err))
		}
	}
	logger.Info("shutdown signal received")
	return nil
}
