package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"site-scheduler/internal/bootstrap"
	"site-scheduler/internal/config"
	"site-scheduler/internal/logging"
	"site-scheduler/internal/telemetry"
	"site-scheduler/internal/worker"
)

func main() {
	queues := flag.String("queue", "", "comma separated queues to consume, in priority order (default: all configured)")
	burst := flag.Bool("burst", false, "exit once every queue is empty")
	strategy := flag.String("strategy", "default", "dequeue strategy: default, round_robin or random")
	numWorkers := flag.Int("num-workers", 0, "run a pool of N worker processes under a supervisor")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *numWorkers > 0 {
		runPool(ctx, cfg, *numWorkers, logger)
		return
	}

	strat, err := worker.ParseStrategy(*strategy)
	if err != nil {
		logger.Error("invalid flags", slog.Any("error", err))
		os.Exit(2)
	}
	names := cfg.QueueNames()
	if *queues != "" {
		names = nil
		for _, q := range strings.Split(*queues, ",") {
			if q = strings.TrimSpace(q); q != "" {
				names = append(names, q)
			}
		}
	}

	rt, err := bootstrap.Build(cfg, logger)
	if err != nil {
		logger.Error("bootstrap", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	exec, err := worker.NewExecutor(rt.Connector, rt.Methods, rt.Hooks, cfg.JobRetryLimit, logger)
	if err != nil {
		logger.Error("executor", slog.Any("error", err))
		os.Exit(1)
	}

	// Pool children share the supervisor's address, so only standalone workers serve metrics.
	if os.Getenv("WORKER_SLOT") == "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				logger.Warn("metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	p := worker.NewProcessor(rt.Broker, exec, rt.Methods, worker.Options{
		Name:        os.Getenv("WORKER_ID"),
		Queues:      names,
		Strategy:    strat,
		Burst:       *burst,
		PollTimeout: cfg.WorkerPollTimeout,
	}, logger)
	if err := p.Run(ctx); err != nil {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// runPool re-executes this binary N times without --num-workers.
func runPool(ctx context.Context, cfg config.Config, n int, logger *slog.Logger) {
	self, err := os.Executable()
	if err != nil {
		logger.Error("locate executable", slog.Any("error", err))
		os.Exit(1)
	}
	var args []string
	flag.Visit(func(f *flag.Flag) {
		if f.Name != "num-workers" {
			args = append(args, "--"+f.Name+"="+f.Value.String())
		}
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	logger.Info("starting worker pool", slog.Int("workers", n))
	if err := worker.NewSupervisor(self, args, n, logger).Run(ctx); err != nil {
		logger.Error("worker pool stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
