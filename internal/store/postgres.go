package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"site-scheduler/internal/models"
)

// Querier is satisfied by *pgx.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on top of a tenant database connection.
type Postgres struct {
	q Querier
}

var _ Store = (*Postgres)(nil)

// NewPostgres wraps a querier (normally the tenant's open transaction).
func NewPostgres(q Querier) *Postgres {
	return &Postgres{q: q}
}

const jobDefinitionColumns = `name, method, frequency, cron_format, last_execution, create_log, stopped, server_script, created_at`

func scanJobDefinition(row pgx.Row) (models.JobDefinition, error) {
	var def models.JobDefinition
	var freq string
	var last pgtype.Timestamptz
	if err := row.Scan(&def.Name, &def.Method, &freq, &def.CronExpression, &last, &def.CreateLog, &def.Stopped, &def.ScriptRef, &def.CreatedAt); err != nil {
		return models.JobDefinition{}, err
	}
	def.Frequency = models.Frequency(freq)
	if last.Valid {
		t := last.Time
		def.LastExecution = &t
	}
	return def, nil
}

// ListJobDefinitions returns every definition ordered by name.
func (s *Postgres) ListJobDefinitions(ctx context.Context) ([]models.JobDefinition, error) {
	rows, err := s.q.Query(ctx, `SELECT `+jobDefinitionColumns+` FROM scheduled_job_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list job definitions: %w", err)
	}
	defer rows.Close()

	var out []models.JobDefinition
	for rows.Next() {
		def, err := scanJobDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job definition: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// GetJobDefinition fetches a definition by name.
func (s *Postgres) GetJobDefinition(ctx context.Context, name string) (models.JobDefinition, error) {
	def, err := scanJobDefinition(s.q.QueryRow(ctx, `SELECT `+jobDefinitionColumns+` FROM scheduled_job_types WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobDefinition{}, fmt.Errorf("job definition %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return models.JobDefinition{}, fmt.Errorf("get job definition: %w", err)
	}
	return def, nil
}

// GetJobDefinitionByMethod fetches the first definition for a method.
func (s *Postgres) GetJobDefinitionByMethod(ctx context.Context, method string) (models.JobDefinition, error) {
	def, err := scanJobDefinition(s.q.QueryRow(ctx, `SELECT `+jobDefinitionColumns+` FROM scheduled_job_types WHERE method = $1 ORDER BY name LIMIT 1`, method))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobDefinition{}, fmt.Errorf("job definition for %q: %w", method, ErrNotFound)
	}
	if err != nil {
		return models.JobDefinition{}, fmt.Errorf("get job definition by method: %w", err)
	}
	return def, nil
}

// JobDefinitionExists checks the (method, frequency, cron) triple.
func (s *Postgres) JobDefinitionExists(ctx context.Context, method string, freq models.Frequency, cronExpr string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM scheduled_job_types WHERE method = $1 AND frequency = $2 AND cron_format = $3
		)`, method, string(freq), cronExpr).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check job definition: %w", err)
	}
	return exists, nil
}

// InsertJobDefinition inserts a definition, reporting ErrDuplicate on a name or triple conflict.
// The insert runs under a savepoint, so a failed insert leaves the caller's
// transaction usable. The querier must be inside a transaction.
func (s *Postgres) InsertJobDefinition(ctx context.Context, def models.JobDefinition) error {
	created := def.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if _, err := s.q.Exec(ctx, `SAVEPOINT insert_job_definition`); err != nil {
		return fmt.Errorf("insert job definition: %w", err)
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO scheduled_job_types (name, method, frequency, cron_format, last_execution, create_log, stopped, server_script, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, def.Name, def.Method, string(def.Frequency), def.CronExpression, def.LastExecution, def.CreateLog, def.Stopped, def.ScriptRef, created)
	if err != nil {
		if _, rerr := s.q.Exec(ctx, `ROLLBACK TO SAVEPOINT insert_job_definition`); rerr != nil {
			return fmt.Errorf("insert job definition: %w", errors.Join(err, rerr))
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("insert job definition %q: %w", def.Name, ErrDuplicate)
		}
		return fmt.Errorf("insert job definition: %w", err)
	}
	if _, err := s.q.Exec(ctx, `RELEASE SAVEPOINT insert_job_definition`); err != nil {
		return fmt.Errorf("insert job definition: %w", err)
	}
	return nil
}

// DeleteJobDefinition removes a definition by name.
func (s *Postgres) DeleteJobDefinition(ctx context.Context, name string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM scheduled_job_types WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete job definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job definition %q: %w", name, ErrNotFound)
	}
	return nil
}

// UpdateLastExecution sets last_execution without touching anything else.
func (s *Postgres) UpdateLastExecution(ctx context.Context, name string, at time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE scheduled_job_types SET last_execution = $2 WHERE name = $1`, name, at)
	return err
}

// SetStopped toggles the stopped flag.
func (s *Postgres) SetStopped(ctx context.Context, name string, stopped bool) error {
	tag, err := s.q.Exec(ctx, `UPDATE scheduled_job_types SET stopped = $2 WHERE name = $1`, name, stopped)
	if err != nil {
		return fmt.Errorf("set stopped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job definition %q: %w", name, ErrNotFound)
	}
	return nil
}

// InsertJobRun creates a fresh log row and returns its id.
func (s *Postgres) InsertJobRun(ctx context.Context, definition string, status models.RunStatus) (int64, error) {
	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO scheduled_job_logs (scheduled_job_type, status, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		RETURNING id
	`, definition, string(status)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert job run: %w", err)
	}
	return id, nil
}

// UpdateJobRun moves a Start row to a terminal status. Terminal rows are never touched again.
func (s *Postgres) UpdateJobRun(ctx context.Context, id int64, status models.RunStatus, details string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE scheduled_job_logs
		SET status = $2, details = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, string(status), details, string(models.RunStart))
	if err != nil {
		return fmt.Errorf("update job run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job run %d: %w", id, ErrInvalidTransition)
	}
	return nil
}

// LastJobRunAt returns the most recent modification time of any job run.
func (s *Postgres) LastJobRunAt(ctx context.Context) (time.Time, bool, error) {
	return s.maxTimestamp(ctx, `SELECT MAX(updated_at) FROM scheduled_job_logs`)
}

// PurgeJobRuns deletes logs older than the cutoff.
func (s *Postgres) PurgeJobRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM scheduled_job_logs WHERE updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge job runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LastActivityAt returns the creation time of the newest activity log row.
func (s *Postgres) LastActivityAt(ctx context.Context) (time.Time, bool, error) {
	return s.maxTimestamp(ctx, `SELECT MAX(created_at) FROM activity_logs`)
}

func (s *Postgres) maxTimestamp(ctx context.Context, sql string) (time.Time, bool, error) {
	var ts pgtype.Timestamptz
	if err := s.q.QueryRow(ctx, sql).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("query timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return ts.Time, true, nil
}

// InsertErrorLog records a failure traceback keyed by method name.
func (s *Postgres) InsertErrorLog(ctx context.Context, method, traceback string) error {
	_, err := s.q.Exec(ctx, `INSERT INTO error_logs (method, traceback, created_at) VALUES ($1, $2, NOW())`, method, traceback)
	return err
}

// ScriptExists reports whether an enabled user script with the given name exists.
func (s *Postgres) ScriptExists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM server_scripts WHERE name = $1 AND NOT disabled)`, ref).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check script: %w", err)
	}
	return exists, nil
}

// SchedulerFlags reads the tenant kill switches.
func (s *Postgres) SchedulerFlags(ctx context.Context) (models.SchedulerFlags, error) {
	var f models.SchedulerFlags
	err := s.q.QueryRow(ctx, `SELECT maintenance_mode, paused, disabled FROM scheduler_settings WHERE id = 1`).
		Scan(&f.MaintenanceMode, &f.Paused, &f.Disabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SchedulerFlags{}, nil
	}
	if err != nil {
		return models.SchedulerFlags{}, fmt.Errorf("read scheduler flags: %w", err)
	}
	return f, nil
}

// SetSchedulerFlags writes the tenant kill switches.
func (s *Postgres) SetSchedulerFlags(ctx context.Context, f models.SchedulerFlags) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO scheduler_settings (id, maintenance_mode, paused, disabled)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET maintenance_mode = EXCLUDED.maintenance_mode, paused = EXCLUDED.paused, disabled = EXCLUDED.disabled
	`, f.MaintenanceMode, f.Paused, f.Disabled)
	if err != nil {
		return fmt.Errorf("write scheduler flags: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
