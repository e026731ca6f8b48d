// Package jobdef keeps a tenant's recurring job definitions in line with the
// declared scheduler events, decides when they are due, and runs them with
// status logging.
package jobdef

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"site-scheduler/internal/cron"
	"site-scheduler/internal/dispatch"
	"site-scheduler/internal/methods"
	"site-scheduler/internal/models"
	"site-scheduler/internal/store"
	"site-scheduler/internal/tenant"
)

// RunScheduledJobMethod is the method workers execute for a due definition.
// It takes the definition name in the "job_type" kwarg.
const RunScheduledJobMethod = "scheduler.run_scheduled_job"

// Dispatcher is the dispatch surface the registry needs.
type Dispatcher interface {
	Enqueue(ctx context.Context, s *tenant.Session, method string, kwargs models.Kwargs, opts ...dispatch.Option) (dispatch.Handle, error)
	IsEnqueued(ctx context.Context, tenant, id string) (bool, error)
}

// Registry operates on the job definitions of whichever tenant the session is bound to.
type Registry struct {
	eval       cron.Evaluator
	methods    *methods.Registry
	dispatcher Dispatcher
	logger     *slog.Logger

	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
	// Shuffle orders definitions before a tick enqueues them; defaults to rand.Shuffle.
	Shuffle func(defs []models.JobDefinition)
}

// NewRegistry wires a registry. It does not register RunScheduledJobMethod; call Install.
func NewRegistry(eval cron.Evaluator, m *methods.Registry, d Dispatcher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{eval: eval, methods: m, dispatcher: d, logger: logger}
}

// Install registers RunScheduledJobMethod on the method registry.
func (r *Registry) Install() error {
	return r.methods.Register(RunScheduledJobMethod, r.runScheduledJob)
}

func (r *Registry) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

// Result summarizes a reconciliation pass.
type Result struct {
	Inserted int
	Updated  int
	Deleted  int
	Skipped  int
}

// Reconcile makes the persisted definitions match the declared sources.
// Missing (method, frequency, cron) triples are inserted; a name conflict deletes
// the old row and inserts the new one. Definitions whose method is no longer
// declared are deleted unless they are backed by an existing user script.
// Methods that are not registered are warned about and skipped. The session's
// transaction is committed at the end.
func (r *Registry) Reconcile(ctx context.Context, s *tenant.Session, sources []models.EventSource) (Result, error) {
	st := s.Store()
	log := r.logger.With(slog.String("tenant", s.Tenant))
	var res Result
	declared := make(map[string]bool)

	for _, src := range sources {
		for _, method := range src.Methods {
			declared[method] = true
			if !r.methods.Has(method) {
				log.Warn("scheduled method is not registered", slog.String("method", method))
				res.Skipped++
				continue
			}
			cronExpr := ""
			if src.Frequency == models.FrequencyCron {
				cronExpr = src.CronExpression
			}
			if _, err := r.eval.NextExecution(src.Frequency, cronExpr, nil); err != nil {
				log.Warn("invalid schedule", slog.String("method", method), slog.Any("error", err))
				res.Skipped++
				continue
			}
			exists, err := st.JobDefinitionExists(ctx, method, src.Frequency, cronExpr)
			if err != nil {
				return res, err
			}
			if exists {
				continue
			}
			def := models.NewJobDefinition(method, src.Frequency, cronExpr)
			def.CreatedAt = r.now()
			// An older schedule of the same method holds the name. Check before
			// inserting: a failed insert aborts a Postgres transaction.
			_, err = st.GetJobDefinition(ctx, def.Name)
			switch {
			case err == nil:
				if err := st.DeleteJobDefinition(ctx, def.Name); err != nil && !errors.Is(err, store.ErrNotFound) {
					return res, err
				}
				if err := st.InsertJobDefinition(ctx, def); err != nil {
					return res, err
				}
				res.Updated++
				continue
			case !errors.Is(err, store.ErrNotFound):
				return res, err
			}
			if err := st.InsertJobDefinition(ctx, def); err != nil {
				return res, err
			}
			res.Inserted++
		}
	}

	defs, err := st.ListJobDefinitions(ctx)
	if err != nil {
		return res, err
	}
	for _, def := range defs {
		keep := declared[def.Method]
		if def.ScriptRef != "" {
			keep, err = st.ScriptExists(ctx, def.ScriptRef)
			if err != nil {
				return res, err
			}
		}
		if keep {
			continue
		}
		if err := st.DeleteJobDefinition(ctx, def.Name); err != nil {
			return res, err
		}
		res.Deleted++
	}

	if err := s.Conn.Commit(ctx); err != nil {
		return res, err
	}
	log.Info("job definitions reconciled",
		slog.Int("inserted", res.Inserted), slog.Int("updated", res.Updated),
		slog.Int("deleted", res.Deleted), slog.Int("skipped", res.Skipped))
	return res, nil
}

// IsDue reports whether def is due at the registry's current time.
func (r *Registry) IsDue(def models.JobDefinition) (bool, error) {
	return r.eval.IsDue(def.Frequency, def.CronExpression, def.LastExecution, r.now())
}

// MaybeEnqueue dispatches def when it is due (or forced), not already enqueued
// under its dedup key, and not stopped. With ExecuteDirectly set on the session it
// runs inline instead. It reports whether the job was dispatched or run.
func (r *Registry) MaybeEnqueue(ctx context.Context, s *tenant.Session, def models.JobDefinition, force bool) (bool, error) {
	if def.Stopped {
		return false, nil
	}
	if !force {
		due, err := r.IsDue(def)
		if err != nil || !due {
			return false, err
		}
	}
	enqueued, err := r.dispatcher.IsEnqueued(ctx, s.Tenant, def.DedupKey())
	if err != nil {
		return false, err
	}
	if enqueued {
		r.logger.Debug("scheduled job already enqueued", slog.String("tenant", s.Tenant), slog.String("method", def.Method))
		return false, nil
	}

	if s.Flags.ExecuteDirectly {
		if _, err := r.Execute(ctx, s, def); err != nil {
			return false, err
		}
		return true, nil
	}
	_, err = r.dispatcher.Enqueue(ctx, s, RunScheduledJobMethod,
		models.Kwargs{"job_type": def.Name},
		dispatch.WithQueue(def.Queue()),
		dispatch.WithJobID(def.DedupKey()),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

// EnqueueAll offers every non-stopped definition to MaybeEnqueue in shuffled order.
// A failure for one definition is logged and recorded; the rest still run.
func (r *Registry) EnqueueAll(ctx context.Context, s *tenant.Session) ([]string, error) {
	st := s.Store()
	defs, err := st.ListJobDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	active := defs[:0]
	for _, d := range defs {
		if !d.Stopped {
			active = append(active, d)
		}
	}
	if r.Shuffle != nil {
		r.Shuffle(active)
	} else {
		rand.Shuffle(len(active), func(i, j int) { active[i], active[j] = active[j], active[i] })
	}

	var enqueued []string
	var errs []error
	for _, def := range active {
		ok, err := r.MaybeEnqueue(ctx, s, def, false)
		if err != nil {
			r.logger.Error("failed to enqueue scheduled job",
				slog.String("tenant", s.Tenant), slog.String("method", def.Method), slog.Any("error", err))
			_ = st.InsertErrorLog(ctx, def.Method, "Failed to enqueue job: "+err.Error())
			errs = append(errs, fmt.Errorf("%s: %w", def.Method, err))
			continue
		}
		if ok {
			enqueued = append(enqueued, def.Method)
		}
	}
	if len(errs) > 0 {
		_ = s.Conn.Commit(ctx)
	}
	return enqueued, errors.Join(errs...)
}

// Trigger runs the definition for method inline, regardless of schedule.
func (r *Registry) Trigger(ctx context.Context, s *tenant.Session, method string) (models.RunStatus, error) {
	def, err := s.Store().GetJobDefinitionByMethod(ctx, method)
	if err != nil {
		return "", err
	}
	return r.Execute(ctx, s, def)
}

// SetStopped toggles a definition's stopped flag and commits.
func (r *Registry) SetStopped(ctx context.Context, s *tenant.Session, name string, stopped bool) error {
	if err := s.Store().SetStopped(ctx, name, stopped); err != nil {
		return err
	}
	return s.Conn.Commit(ctx)
}

// PurgeRuns deletes job run logs older than maxAge and commits.
func (r *Registry) PurgeRuns(ctx context.Context, s *tenant.Session, maxAge time.Duration) (int64, error) {
	n, err := s.Store().PurgeJobRuns(ctx, r.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return n, s.Conn.Commit(ctx)
}

func (r *Registry) runScheduledJob(ctx context.Context, s *tenant.Session, kwargs models.Kwargs) (any, error) {
	name, _ := kwargs["job_type"].(string)
	if name == "" {
		return nil, errors.New("run scheduled job: job_type is required")
	}
	def, err := s.Store().GetJobDefinition(ctx, name)
	if err != nil {
		return nil, err
	}
	status, err := r.Execute(ctx, s, def)
	return string(status), err
}
