package jobdef

import (
	"context"
	"log/slog"

	"site-scheduler/internal/methods"
	"site-scheduler/internal/models"
	"site-scheduler/internal/telemetry"
	"site-scheduler/internal/tenant"
)

// Execute runs def's method with status logging and returns the final run status.
//
// Start is logged and committed before the method runs. On success the method's
// work is committed and Complete logged; on error or panic it is rolled back and
// Failed logged with the traceback. The method's own failure is reported through
// the status; a non-nil error means a log write itself failed.
func (r *Registry) Execute(ctx context.Context, s *tenant.Session, def models.JobDefinition) (models.RunStatus, error) {
	log := r.logger.With(slog.String("tenant", s.Tenant), slog.String("method", def.Method))

	runID, err := r.logStatus(ctx, s, def, 0, models.RunStart, "")
	if err != nil {
		return "", err
	}

	fn, err := r.methods.Resolve(def.Method)
	if err == nil {
		_, err = methods.Call(ctx, fn, s, models.Kwargs{})
	}
	if err == nil {
		err = s.Conn.Commit(ctx)
	}
	if err != nil {
		_ = s.Conn.Rollback(ctx)
		log.Error("scheduled job failed", slog.Any("error", err))
		telemetry.ScheduledRuns.WithLabelValues(string(models.RunFailed)).Inc()
		if _, lerr := r.logStatus(ctx, s, def, runID, models.RunFailed, methods.Traceback(err)); lerr != nil {
			return models.RunFailed, lerr
		}
		return models.RunFailed, nil
	}

	telemetry.ScheduledRuns.WithLabelValues(string(models.RunComplete)).Inc()
	if _, err := r.logStatus(ctx, s, def, runID, models.RunComplete, ""); err != nil {
		return models.RunComplete, err
	}
	return models.RunComplete, nil
}

// logStatus writes one step of the JobRun state machine and commits it. Start
// always creates a fresh row. Without create_log nothing is logged, but an All
// definition still records its last execution on Start.
func (r *Registry) logStatus(ctx context.Context, s *tenant.Session, def models.JobDefinition, runID int64, status models.RunStatus, details string) (int64, error) {
	st := s.Store()
	if !def.CreateLog {
		if def.Frequency != models.FrequencyAll || status != models.RunStart {
			return 0, nil
		}
		if err := st.UpdateLastExecution(ctx, def.Name, r.now()); err != nil {
			return 0, err
		}
		return 0, s.Conn.Commit(ctx)
	}

	if status == models.RunStart {
		id, err := st.InsertJobRun(ctx, def.Name, models.RunStart)
		if err != nil {
			return 0, err
		}
		if err := st.UpdateLastExecution(ctx, def.Name, r.now()); err != nil {
			return 0, err
		}
		return id, s.Conn.Commit(ctx)
	}

	if err := st.UpdateJobRun(ctx, runID, status, details); err != nil {
		return runID, err
	}
	return runID, s.Conn.Commit(ctx)
}
