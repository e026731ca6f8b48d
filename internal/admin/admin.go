// Package admin implements the operator commands behind cmd/ctl and the
// scheduler's boot-time sync.
package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"site-scheduler/internal/hooks"
	"site-scheduler/internal/jobdef"
	"site-scheduler/internal/models"
	"site-scheduler/internal/queue"
	"site-scheduler/internal/store"
	"site-scheduler/internal/tenant"
)

// ErrUnknownAction is returned for a scheduler action other than
// pause, resume, enable, disable or status.
var ErrUnknownAction = errors.New("admin: unknown scheduler action")

// Broker is the queue surface operator commands use.
type Broker interface {
	Purge(ctx context.Context, queues []string, tenant, event string) (int, error)
	Pending(ctx context.Context, queues []string, tenant string) (map[string]int, error)
}

var _ Broker = (*queue.Broker)(nil)

type Admin struct {
	connector tenant.Connector
	registry  *jobdef.Registry
	broker    Broker
	queues    []string
	hooks     *hooks.Hooks
	out       io.Writer
	logger    *slog.Logger
}

// New wires the commands. Human-readable output goes to out.
func New(connector tenant.Connector, reg *jobdef.Registry, b Broker, queues []string, h *hooks.Hooks, out io.Writer, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}
	return &Admin{connector: connector, registry: reg, broker: b, queues: queues, hooks: h, out: out, logger: logger}
}

func (a *Admin) withSession(ctx context.Context, tenantName string, fn func(s *tenant.Session) error) error {
	conn, err := a.connector.Connect(ctx, tenantName)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(ctx); cerr != nil {
			a.logger.Warn("close tenant connection", slog.String("tenant", tenantName), slog.Any("error", cerr))
		}
	}()
	return fn(tenant.NewSession(conn, tenant.SystemUser))
}

// SchedulerFlag applies pause, resume, enable or disable to a tenant's kill
// switches, or just reports them for status.
func (a *Admin) SchedulerFlag(ctx context.Context, tenantName, action string) (models.SchedulerFlags, error) {
	var flags models.SchedulerFlags
	err := a.withSession(ctx, tenantName, func(s *tenant.Session) error {
		st := s.Store()
		var err error
		if flags, err = st.SchedulerFlags(ctx); err != nil {
			return err
		}
		switch action {
		case "status":
			return nil
		case "pause":
			flags.Paused = true
		case "resume":
			flags.Paused = false
		case "enable":
			flags.Disabled = false
		case "disable":
			flags.Disabled = true
		default:
			return fmt.Errorf("%w: %q", ErrUnknownAction, action)
		}
		if err := st.SetSchedulerFlags(ctx, flags); err != nil {
			return err
		}
		return s.Conn.Commit(ctx)
	})
	if err != nil {
		return flags, err
	}
	state := "active"
	switch {
	case flags.MaintenanceMode:
		state = "in maintenance"
	case flags.Disabled:
		state = "disabled"
	case flags.Paused:
		state = "paused"
	}
	fmt.Fprintf(a.out, "Scheduler is %s for site %s\n", state, tenantName)
	return flags, nil
}

// TriggerEvent runs the definition for method right away. It returns
// store.ErrNotFound when no definition exists.
func (a *Admin) TriggerEvent(ctx context.Context, tenantName, method string) (models.RunStatus, error) {
	var status models.RunStatus
	err := a.withSession(ctx, tenantName, func(s *tenant.Session) error {
		var err error
		status, err = a.registry.Trigger(ctx, s, method)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(a.out, "Event %s does not exist\n", method)
		return "", err
	}
	if err != nil {
		return status, err
	}
	fmt.Fprintf(a.out, "%s on %s: %s\n", method, tenantName, status)
	return status, nil
}

// PurgeJobs removes queued jobs; empty filters match everything.
func (a *Admin) PurgeJobs(ctx context.Context, queueName, tenantName, event string) (int, error) {
	queues := a.queues
	if queueName != "" {
		queues = []string{queueName}
	}
	n, err := a.broker.Purge(ctx, queues, tenantName, event)
	if err != nil {
		return 0, err
	}
	fmt.Fprintf(a.out, "%d jobs purged\n", n)
	return n, nil
}

// ReadyForMigration reports whether the tenant has no queued jobs left. Pending
// counts are printed rather than treated as an error.
func (a *Admin) ReadyForMigration(ctx context.Context, tenantName string) (bool, error) {
	pending, err := a.broker.Pending(ctx, a.queues, tenantName)
	if err != nil {
		return false, err
	}
	names := make([]string, 0, len(pending))
	total := 0
	for q, n := range pending {
		names = append(names, q)
		total += n
	}
	if total == 0 {
		fmt.Fprintf(a.out, "READY: no pending jobs for %s\n", tenantName)
		return true, nil
	}
	sort.Strings(names)
	fmt.Fprintf(a.out, "NOT READY: %d pending jobs for %s\n", total, tenantName)
	for _, q := range names {
		fmt.Fprintf(a.out, "  %s: %d\n", q, pending[q])
	}
	return false, nil
}

// SyncJobs applies schema migrations when the connection supports them and
// reconciles the tenant's definitions with the hooks file.
func (a *Admin) SyncJobs(ctx context.Context, tenantName string) (jobdef.Result, error) {
	sources, err := a.hooks.SchedulerEvents()
	if err != nil {
		return jobdef.Result{}, err
	}
	var res jobdef.Result
	err = a.withSession(ctx, tenantName, func(s *tenant.Session) error {
		if q, ok := s.Conn.(store.Querier); ok {
			if err := store.RunMigrations(ctx, q); err != nil {
				return err
			}
			if err := s.Conn.Commit(ctx); err != nil {
				return err
			}
		}
		var err error
		res, err = a.registry.Reconcile(ctx, s, sources)
		return err
	})
	if err != nil {
		return res, err
	}
	fmt.Fprintf(a.out, "%s: %d inserted, %d updated, %d deleted, %d skipped\n",
		tenantName, res.Inserted, res.Updated, res.Deleted, res.Skipped)
	return res, nil
}

// SetStopped toggles one definition's stopped flag.
func (a *Admin) SetStopped(ctx context.Context, tenantName, method string, stopped bool) error {
	return a.withSession(ctx, tenantName, func(s *tenant.Session) error {
		def, err := s.Store().GetJobDefinitionByMethod(ctx, method)
		if err != nil {
			return err
		}
		return a.registry.SetStopped(ctx, s, def.Name, stopped)
	})
}

// PurgeRuns deletes job run logs older than days.
func (a *Admin) PurgeRuns(ctx context.Context, tenantName string, days int) (int64, error) {
	var n int64
	err := a.withSession(ctx, tenantName, func(s *tenant.Session) error {
		var err error
		n, err = a.registry.PurgeRuns(ctx, s, time.Duration(days)*24*time.Hour)
		return err
	})
	if err == nil {
		fmt.Fprintf(a.out, "%d job runs purged for %s\n", n, tenantName)
	}
	return n, err
}
