package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"job-orchestrator/internal/app"
	"job-orchestrator/internal/config"
	"job-orchestrator/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New("worker", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if len(a.Pollers) == 0 {
		logger.Warn("no intake source configured; set POLL_FEED_URL to pull work")
	}

	var servers []*http.Server
	if ms := a.MetricsServer(); ms != nil {
		servers = append(servers, ms)
	}

	logger.Info("worker started",
		"workers", cfg.WorkerCount,
		"backoff_initial", cfg.BackoffInitial,
		"pollers", len(a.Pollers))
	if err := a.Run(ctx, servers...); err != nil {
		logger.Error("worker stopped", "error", err)
		a.Close()
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
