package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "site-scheduler/internal/api"
	"site-scheduler/internal/bootstrap"
	"site-scheduler/internal/config"
	"site-scheduler/internal/logging"
	"site-scheduler/internal/ratelimit"
)

func main() {
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

	limiter := ratelimit.NewTokenBucket(rt.Client, cfg.FleetID, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(rt.Broker, rt.Dispatcher, rt.Connector, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("api listening", slog.String("addr", httpServer.Addr), slog.String("fleet", cfg.FleetID))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", slog.Any("error", err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
