// Streamplex server: multi-tenant pub/sub fabric over a durable log
// service, with subscription actors, fan-out, session lifecycle and an
// edge read cache.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/streamplex/streamplex/pkg/api"
	"github.com/streamplex/streamplex/pkg/cache"
	"github.com/streamplex/streamplex/pkg/cleanup"
	"github.com/streamplex/streamplex/pkg/config"
	"github.com/streamplex/streamplex/pkg/expiry"
	"github.com/streamplex/streamplex/pkg/fanout"
	"github.com/streamplex/streamplex/pkg/logclient"
	"github.com/streamplex/streamplex/pkg/metrics"
	"github.com/streamplex/streamplex/pkg/registry"
	"github.com/streamplex/streamplex/pkg/session"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to the env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting streamplex",
		"core_url", cfg.CoreURL,
		"project", cfg.Project,
		"http_port", cfg.HTTPPort,
		"fanout_queue", cfg.FanoutQueue != "",
		"analytics", cfg.Analytics.Enabled())

	ctx := context.Background()

	// 1. Log client and subscriber store.
	logCli := logclient.New(cfg.CoreURL)

	store, err := registry.OpenStore(cfg.SubscribersDB)
	if err != nil {
		slog.Error("Failed to open subscriber store", "path", cfg.SubscribersDB, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing subscriber store", "error", err)
		}
	}()
	slog.Info("Subscriber store opened", "path", cfg.SubscribersDB)

	// 2. Metrics sink (fire-and-forget; drops when analytics is off).
	sink := metrics.NewSink(cfg.Analytics)
	sink.Start(ctx)
	defer sink.Stop()

	// 3. Optional fan-out queue + consumer.
	var queue *fanout.Queue
	var enqueuer registry.Enqueuer
	if cfg.FanoutQueue != "" {
		queue, err = fanout.ConnectQueue(cfg.NATSURL, cfg.FanoutQueue)
		if err != nil {
			slog.Error("Failed to connect fan-out queue", "subject", cfg.FanoutQueue, "error", err)
			os.Exit(1)
		}
		defer queue.Close()
		enqueuer = queue

		consumer := fanout.NewConsumer(queue, logCli)
		if err := consumer.Start(ctx); err != nil {
			slog.Error("Failed to start fan-out consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Stop()
	}

	// 4. Subscription registry.
	reg := registry.New(registry.Options{
		Store:          store,
		Log:            logCli,
		Engine:         fanout.NewEngine(logCli, cfg.FanoutParallelism),
		Queue:          enqueuer,
		Sink:           sink,
		QueueThreshold: cfg.FanoutQueueThreshold,
	})

	// 5. Session controller and cleanup pipeline.
	oracle := expiry.NewOracle(metrics.NewQueryClient(cfg.Analytics))
	sessions := session.NewController(logCli, oracle, sink, cfg.SessionTTL)

	sweeper := cleanup.NewSweeper(oracle, reg, sessions, sink, cfg.Project, cfg.CleanupInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 6. HTTP server with the edge read cache in front of the read path.
	server := api.NewServer(cfg, reg, sessions, cache.New(), logCli, sink)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("Streamplex started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
