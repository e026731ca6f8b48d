package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"site-scheduler/internal/hooks"
	"site-scheduler/internal/methods"
	"site-scheduler/internal/models"
	"site-scheduler/internal/telemetry"
	"site-scheduler/internal/tenant"
)

// ErrRetryJob can be returned (or wrapped) by a method to ask for a retry with backoff.
var ErrRetryJob = errors.New("worker: retry job")

// Executor runs one work item against its tenant under transaction and retry discipline.
type Executor struct {
	connector  tenant.Connector
	methods    *methods.Registry
	before     []methods.Hook
	after      []methods.Hook
	classifier tenant.ErrorClassifier
	retryLimit int
	logger     *slog.Logger

	// Sleep waits between retries. Defaults to a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor resolves the before_job and after_job hooks up front so a missing
// hook fails at start-up rather than on the first job.
func NewExecutor(connector tenant.Connector, m *methods.Registry, h *hooks.Hooks, retryLimit int, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	before, err := m.Hooks(h.Get(hooks.BeforeJob))
	if err != nil {
		return nil, fmt.Errorf("before_job: %w", err)
	}
	after, err := m.Hooks(h.Get(hooks.AfterJob))
	if err != nil {
		return nil, fmt.Errorf("after_job: %w", err)
	}
	return &Executor{
		connector:  connector,
		methods:    m,
		before:     before,
		after:      after,
		classifier: tenant.PostgresClassifier{},
		retryLimit: retryLimit,
		logger:     logger,
		Sleep:      sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes item starting at the given retry count. Deadlocks, lock timeouts
// and ErrRetryJob are retried after sleeping retry+1 seconds, up to the retry
// limit. Any other error, an exhausted retry budget, or a backoff cut short by
// ctx is written to the tenant's error log and returned.
func (e *Executor) Run(ctx context.Context, item models.WorkItem, retry int) (any, error) {
	for {
		result, again, err := e.attempt(ctx, item, retry)
		if !again {
			return result, err
		}
		telemetry.ContentionRetries.Inc()
		e.logger.Warn("retrying job",
			slog.String("tenant", item.Tenant), slog.String("method", item.Method),
			slog.String("job_id", item.JobID), slog.Int("retry", retry+1), slog.Any("error", err))
		if serr := e.Sleep(ctx, time.Duration(retry+1)*time.Second); serr != nil {
			e.logAbandoned(ctx, item, err)
			return nil, err
		}
		retry++
	}
}

// logAbandoned records err for a job whose backoff was cut short by a timeout
// or stop request. The attempt's connection is already closed, so a fresh one
// is opened.
func (e *Executor) logAbandoned(ctx context.Context, item models.WorkItem, err error) {
	bg := context.WithoutCancel(ctx)
	conn, cerr := e.connector.Connect(bg, item.Tenant)
	if cerr != nil {
		e.logger.Error("job failed, error log not written",
			slog.String("tenant", item.Tenant), slog.String("method", item.Method),
			slog.String("job_id", item.JobID), slog.Any("error", err), slog.Any("connect_error", cerr))
		return
	}
	defer func() {
		if cerr := conn.Close(bg); cerr != nil {
			e.logger.Warn("close tenant connection", slog.String("tenant", item.Tenant), slog.Any("error", cerr))
		}
	}()
	e.logError(bg, conn, item, err)
}

func (e *Executor) retryable(err error) bool {
	return errors.Is(err, ErrRetryJob) || tenant.IsContention(e.classifier, err)
}

// attempt runs the item once on a fresh connection. After hooks and teardown
// always run, whatever the outcome.
func (e *Executor) attempt(ctx context.Context, item models.WorkItem, retry int) (result any, again bool, err error) {
	conn, err := e.connector.Connect(ctx, item.Tenant)
	if err != nil {
		return nil, false, err
	}
	// Teardown still has to reach the database after a timeout or stop.
	bg := context.WithoutCancel(ctx)
	defer func() {
		if cerr := conn.Close(bg); cerr != nil {
			e.logger.Warn("close tenant connection", slog.String("tenant", item.Tenant), slog.Any("error", cerr))
		}
	}()
	s := tenant.NewSession(conn, item.User)

	defer func() {
		hc := methods.HookContext{Method: item.Method, Kwargs: item.Kwargs, Result: result, Err: err}
		for _, h := range e.after {
			if herr := h(bg, s, hc); herr != nil {
				e.logger.Error("after_job hook failed", slog.String("method", item.Method), slog.Any("error", herr))
			}
		}
	}()

	result, err = e.invoke(ctx, s, item)
	if err == nil {
		if err = conn.Commit(ctx); err == nil {
			return result, false, nil
		}
	}

	_ = conn.Rollback(bg)
	if e.retryable(err) && retry < e.retryLimit {
		return nil, true, err
	}
	e.logError(bg, conn, item, err)
	return nil, false, err
}

func (e *Executor) invoke(ctx context.Context, s *tenant.Session, item models.WorkItem) (any, error) {
	hc := methods.HookContext{Method: item.Method, Kwargs: item.Kwargs}
	for _, h := range e.before {
		if err := h(ctx, s, hc); err != nil {
			return nil, err
		}
	}
	fn, err := e.methods.Resolve(item.Method)
	if err != nil {
		return nil, err
	}
	kwargs := item.Kwargs
	if kwargs == nil {
		kwargs = models.Kwargs{}
	}
	return methods.Call(ctx, fn, s, kwargs)
}

func (e *Executor) logError(ctx context.Context, conn tenant.Conn, item models.WorkItem, err error) {
	e.logger.Error("job failed",
		slog.String("tenant", item.Tenant), slog.String("method", item.Method),
		slog.String("job_id", item.JobID), slog.Any("error", err))
	if lerr := conn.Store().InsertErrorLog(ctx, item.Method, methods.Traceback(err)); lerr != nil {
		e.logger.Error("write error log", slog.String("tenant", item.Tenant), slog.Any("error", lerr))
		return
	}
	if cerr := conn.Commit(ctx); cerr != nil {
		e.logger.Error("commit error log", slog.String("tenant", item.Tenant), slog.Any("error", cerr))
	}
}
