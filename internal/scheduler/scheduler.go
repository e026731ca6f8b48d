// Package scheduler runs the always-on tick loop that offers every tenant's due
// job definitions to the broker.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"site-scheduler/internal/config"
	"site-scheduler/internal/store"
	"site-scheduler/internal/telemetry"
	"site-scheduler/internal/tenant"
)

const dormantRerun = 24 * time.Hour

// Enqueuer offers a tenant's definitions to the broker.
type Enqueuer interface {
	EnqueueAll(ctx context.Context, s *tenant.Session) ([]string, error)
}

// Report summarizes one tick.
type Report struct {
	Tenants   int
	Scheduled int
	Skipped   int
	Failed    int
	Enqueued  int
}

// Scheduler never runs tenant work itself; it only decides and enqueues.
type Scheduler struct {
	directory   tenant.Directory
	connector   tenant.Connector
	enqueuer    Enqueuer
	interval    time.Duration
	dormantDays int
	paused      bool
	logger      *slog.Logger

	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
}

func New(cfg config.Config, dir tenant.Directory, connector tenant.Connector, enq Enqueuer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		directory:   dir,
		connector:   connector,
		enqueuer:    enq,
		interval:    interval,
		dormantDays: cfg.DormantDays,
		paused:      cfg.SchedulerPaused,
		logger:      logger,
	}
}

func (s *Scheduler) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick visits every tenant once. Failures are logged per tenant and never stop
// the remaining tenants from being processed.
func (s *Scheduler) Tick(ctx context.Context) Report {
	var rep Report
	telemetry.Ticks.Inc()
	if s.paused {
		s.logger.Debug("scheduler paused for fleet, skipping tick")
		return rep
	}
	tenants, err := s.directory.Tenants(ctx)
	if err != nil {
		s.logger.Error("list tenants", slog.Any("error", err))
		return rep
	}

	now := s.now()
	for _, name := range tenants {
		if ctx.Err() != nil {
			break
		}
		rep.Tenants++
		n, scheduled, err := s.tickTenant(ctx, name, now)
		switch {
		case err != nil:
			rep.Failed++
			telemetry.TenantsSkipped.WithLabelValues("error").Inc()
			s.logger.Error("scheduler tick failed for tenant", slog.String("tenant", name), slog.Any("error", err))
		case !scheduled:
			rep.Skipped++
		default:
			rep.Scheduled++
		}
		rep.Enqueued += n
	}
	s.logger.Debug("scheduler tick done",
		slog.Int("tenants", rep.Tenants), slog.Int("scheduled", rep.Scheduled),
		slog.Int("skipped", rep.Skipped), slog.Int("failed", rep.Failed), slog.Int("enqueued", rep.Enqueued))
	return rep
}

func (s *Scheduler) tickTenant(ctx context.Context, name string, now time.Time) (int, bool, error) {
	conn, err := s.connector.Connect(ctx, name)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		if cerr := conn.Close(ctx); cerr != nil {
			s.logger.Warn("close tenant connection", slog.String("tenant", name), slog.Any("error", cerr))
		}
	}()
	st := conn.Store()

	flags, err := st.SchedulerFlags(ctx)
	if err != nil {
		return 0, false, err
	}
	if flags.Inactive() {
		telemetry.TenantsSkipped.WithLabelValues("inactive").Inc()
		return 0, false, nil
	}
	ok, err := ShouldSchedule(ctx, st, now, s.dormantDays)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		telemetry.TenantsSkipped.WithLabelValues("dormant").Inc()
		return 0, false, nil
	}

	enqueued, err := s.enqueuer.EnqueueAll(ctx, tenant.NewSession(conn, tenant.SystemUser))
	return len(enqueued), true, err
}

// ShouldSchedule applies the activity policy. A tenant with no recorded activity
// within dormantDays is dormant; a dormant tenant is scheduled only when its most
// recent job run is at least a day old (or it has none). A non-positive
// dormantDays disables the policy.
func ShouldSchedule(ctx context.Context, st store.Store, now time.Time, dormantDays int) (bool, error) {
	if dormantDays <= 0 {
		return true, nil
	}
	lastActivity, ok, err := st.LastActivityAt(ctx)
	if err != nil {
		return false, err
	}
	threshold := time.Duration(dormantDays) * 24 * time.Hour
	if ok && now.Sub(lastActivity) < threshold {
		return true, nil
	}

	lastRun, ok, err := st.LastJobRunAt(ctx)
	if err != nil {
		return false, err
	}
	return !ok || now.Sub(lastRun) >= dormantRerun, nil
}
