// Package bootstrap assembles the components every binary shares from config.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"site-scheduler/internal/config"
	"site-scheduler/internal/cron"
	"site-scheduler/internal/dispatch"
	"site-scheduler/internal/hooks"
	"site-scheduler/internal/jobdef"
	"site-scheduler/internal/methods"
	"site-scheduler/internal/models"
	"site-scheduler/internal/queue"
	"site-scheduler/internal/tenant"
)

const (
	PingMethod          = "scheduler.ping"
	ClearJobRunsMethod  = "scheduler.clear_job_runs"
	defaultJobRunMaxAge = 30 * 24 * time.Hour
)

// Runtime is the wired process-wide state. The broker client is created once
// and shared; tenant connections are opened per operation.
type Runtime struct {
	Config     config.Config
	Logger     *slog.Logger
	Client     *redis.Client
	Broker     *queue.Broker
	Methods    *methods.Registry
	Hooks      *hooks.Hooks
	Dispatcher *dispatch.Dispatcher
	Registry   *jobdef.Registry
	Connector  tenant.Connector
	Directory  tenant.Directory
}

// Build wires a Runtime. A missing hooks file is treated as empty.
func Build(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	codec, err := queue.CodecByName(cfg.BrokerCodec)
	if err != nil {
		return nil, err
	}
	client := queue.NewClient(cfg)
	broker, err := queue.NewBroker(client, cfg.FleetID, codec)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	h, err := hooks.Load(cfg.HooksFile)
	if err != nil {
		logger.Warn("hooks file not loaded, continuing without declared events",
			slog.String("path", cfg.HooksFile), slog.Any("error", err))
		h = hooks.Empty()
	}

	m := methods.NewRegistry()
	d := dispatch.New(cfg, broker, m, logger)
	reg := jobdef.NewRegistry(cron.NewEvaluator(cfg.TickInterval), m, d, logger)
	if err := reg.Install(); err != nil {
		_ = client.Close()
		return nil, err
	}
	rt := &Runtime{
		Config:     cfg,
		Logger:     logger,
		Client:     client,
		Broker:     broker,
		Methods:    m,
		Hooks:      h,
		Dispatcher: d,
		Registry:   reg,
		Connector:  tenant.NewPGConnector(cfg.TenantDSNTemplate),
		Directory:  tenant.StaticDirectory(cfg.Tenants),
	}
	if err := rt.registerBuiltins(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) registerBuiltins() error {
	if err := rt.Methods.Register(PingMethod, func(_ context.Context, s *tenant.Session, _ models.Kwargs) (any, error) {
		return "pong:" + s.Tenant, nil
	}); err != nil {
		return err
	}
	return rt.Methods.Register(ClearJobRunsMethod, func(ctx context.Context, s *tenant.Session, kw models.Kwargs) (any, error) {
		age := defaultJobRunMaxAge
		if days, ok := asInt(kw["days"]); ok && days > 0 {
			age = time.Duration(days) * 24 * time.Hour
		}
		n, err := rt.Registry.PurgeRuns(ctx, s, age)
		if err != nil {
			return nil, fmt.Errorf("clear job runs: %w", err)
		}
		return n, nil
	})
}

// asInt accepts the integer shapes JSON and msgpack decode to.
func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case int8:
		return int(t), true
	case int16:
		return int(t), true
	case int32:
		return int(t), true
	case uint8:
		return int(t), true
	case uint16:
		return int(t), true
	case uint32:
		return int(t), true
	case uint64:
		return int(t), true
	default:
		return 0, false
	}
}

// Close releases the broker client.
func (rt *Runtime) Close() error {
	return rt.Client.Close()
}
