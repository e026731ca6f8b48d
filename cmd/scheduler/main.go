package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"site-scheduler/internal/admin"
	"site-scheduler/internal/bootstrap"
	"site-scheduler/internal/config"
	"site-scheduler/internal/logging"
	"site-scheduler/internal/scheduler"
	"site-scheduler/internal/telemetry"
)

func main() {
	skipSync := flag.Bool("skip-sync", false, "do not reconcile job definitions at start-up")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := bootstrap.Build(cfg, logger)
	if err != nil {
		logger.Error("bootstrap", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	if !*skipSync {
		adm := admin.New(rt.Connector, rt.Registry, rt.Broker, cfg.QueueNames(), rt.Hooks, nil, logger)
		tenants, err := rt.Directory.Tenants(ctx)
		if err != nil {
			logger.Error("list tenants", slog.Any("error", err))
			os.Exit(1)
		}
		for _, name := range tenants {
			if _, err := adm.SyncJobs(ctx, name); err != nil {
				logger.Error("sync job definitions", slog.String("tenant", name), slog.Any("error", err))
			}
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	s := scheduler.New(cfg, rt.Directory, rt.Connector, rt.Registry, logger)
	if err := s.Run(ctx); err != nil {
		logger.Error("scheduler stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
