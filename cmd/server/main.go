package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/pixveil/gen-platform/internal/config"
	"github.com/pixveil/gen-platform/internal/db"
	"github.com/pixveil/gen-platform/internal/generation"
	"github.com/pixveil/gen-platform/internal/httpapi"
	"github.com/pixveil/gen-platform/internal/resilience"
	"github.com/pixveil/gen-platform/internal/store/rabbitmq"
	"github.com/pixveil/gen-platform/internal/store/redisstore"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	gdb := db.Connect(cfg.DBDSN, cfg.SQLitePath)
	repo := generation.NewRepo(gdb)

	var pub generation.Publisher = generation.NopPublisher{}
	if cfg.RedisAddr != "" {
		sink := redisstore.NewEventSink(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.EventChannel)
		defer sink.Close()
		pub = sink
	}

	queue := generation.NewQueue(repo, pub, generation.Config{
		MaxQueueSize: cfg.MaxQueueSize,
		StaleAfter:   time.Duration(cfg.StaleAfterMinutes) * time.Minute,
	}, logger)

	exec := resilience.NewExecutor(resilience.DefaultConfig(), logger)

	dispatch, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		logger.Error("rabbit publisher init failed", "err", err)
		os.Exit(1)
	}
	defer dispatch.Close()

	r := httpapi.NewRouter(queue, exec, dispatch, cfg)

	logger.Info("server listening", "addr", cfg.HTTPAddr)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
