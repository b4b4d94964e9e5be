package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

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
	logger := logging.New("api", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	servers := []*http.Server{{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           a.APIServer().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if ms := a.MetricsServer(); ms != nil {
		servers = append(servers, ms)
	}

	logger.Info("api starting", "env", cfg.Env, "port", cfg.HTTPPort, "workers", cfg.WorkerCount)
	if err := a.Run(ctx, servers...); err != nil {
		logger.Error("api stopped", "error", err)
		a.Close()
		os.Exit(1)
	}
	logger.Info("api stopped")
}
