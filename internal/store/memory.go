package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"site-scheduler/internal/models"
)

// ErrorLog is an error_logs row as kept by Memory.
type ErrorLog struct {
	Method    string
	Traceback string
	CreatedAt time.Time
}

// Memory is an in-memory Store for one tenant. Safe for concurrent access.
// Intended for unit testing and development.
type Memory struct {
	mu sync.Mutex

	// Clock stamps new rows; defaults to time.Now.
	Clock func() time.Time

	defs     map[string]models.JobDefinition
	runs     []models.JobRun
	nextRun  int64
	activity []time.Time
	errors   []ErrorLog
	scripts  map[string]bool
	flags    models.SchedulerFlags
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		defs:    make(map[string]models.JobDefinition),
		scripts: make(map[string]bool),
	}
}

func (m *Memory) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now().UTC()
}

func (m *Memory) ListJobDefinitions(_ context.Context) ([]models.JobDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.JobDefinition, 0, len(m.defs))
	for _, d := range m.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetJobDefinition(_ context.Context, name string) (models.JobDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[name]
	if !ok {
		return models.JobDefinition{}, fmt.Errorf("job definition %q: %w", name, ErrNotFound)
	}
	return d, nil
}

func (m *Memory) GetJobDefinitionByMethod(ctx context.Context, method string) (models.JobDefinition, error) {
	defs, _ := m.ListJobDefinitions(ctx)
	for _, d := range defs {
		if d.Method == method {
			return d, nil
		}
	}
	return models.JobDefinition{}, fmt.Errorf("job definition for %q: %w", method, ErrNotFound)
}

func (m *Memory) JobDefinitionExists(_ context.Context, method string, freq models.Frequency, cronExpr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.defs {
		if d.Method == method && d.Frequency == freq && d.CronExpression == cronExpr {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) InsertJobDefinition(_ context.Context, def models.JobDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[def.Name]; ok {
		return fmt.Errorf("insert job definition %q: %w", def.Name, ErrDuplicate)
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = m.now()
	}
	m.defs[def.Name] = def
	return nil
}

func (m *Memory) DeleteJobDefinition(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[name]; !ok {
		return fmt.Errorf("job definition %q: %w", name, ErrNotFound)
	}
	delete(m.defs, name)
	return nil
}

func (m *Memory) UpdateLastExecution(_ context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[name]
	if !ok {
		return fmt.Errorf("job definition %q: %w", name, ErrNotFound)
	}
	d.LastExecution = &at
	m.defs[name] = d
	return nil
}

func (m *Memory) SetStopped(_ context.Context, name string, stopped bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[name]
	if !ok {
		return fmt.Errorf("job definition %q: %w", name, ErrNotFound)
	}
	d.Stopped = stopped
	m.defs[name] = d
	return nil
}

func (m *Memory) InsertJobRun(_ context.Context, definition string, status models.RunStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRun++
	now := m.now()
	m.runs = append(m.runs, models.JobRun{
		ID:            m.nextRun,
		JobDefinition: definition,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	return m.nextRun, nil
}

func (m *Memory) UpdateJobRun(_ context.Context, id int64, status models.RunStatus, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID != id {
			continue
		}
		if m.runs[i].Status.Terminal() {
			return fmt.Errorf("job run %d: %w", id, ErrInvalidTransition)
		}
		m.runs[i].Status = status
		m.runs[i].Details = details
		m.runs[i].UpdatedAt = m.now()
		return nil
	}
	return fmt.Errorf("job run %d: %w", id, ErrNotFound)
}

func (m *Memory) LastJobRunAt(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	for _, r := range m.runs {
		if r.UpdatedAt.After(latest) {
			latest = r.UpdatedAt
		}
	}
	return latest, !latest.IsZero(), nil
}

func (m *Memory) PurgeJobRuns(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.runs[:0]
	var purged int64
	for _, r := range m.runs {
		if r.UpdatedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	m.runs = kept
	return purged, nil
}

func (m *Memory) LastActivityAt(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	for _, a := range m.activity {
		if a.After(latest) {
			latest = a
		}
	}
	return latest, !latest.IsZero(), nil
}

func (m *Memory) InsertErrorLog(_ context.Context, method, traceback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, ErrorLog{Method: method, Traceback: traceback, CreatedAt: m.now()})
	return nil
}

func (m *Memory) ScriptExists(_ context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scripts[ref], nil
}

func (m *Memory) SchedulerFlags(_ context.Context) (models.SchedulerFlags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags, nil
}

func (m *Memory) SetSchedulerFlags(_ context.Context, f models.SchedulerFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = f
	return nil
}

// RecordActivity adds an activity log entry at the given time.
func (m *Memory) RecordActivity(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = append(m.activity, at)
}

// AddScript registers an enabled user script.
func (m *Memory) AddScript(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[name] = true
}

// RemoveScript deletes a user script.
func (m *Memory) RemoveScript(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scripts, name)
}

// JobRuns returns a copy of all job run rows.
func (m *Memory) JobRuns() []models.JobRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.JobRun, len(m.runs))
	copy(out, m.runs)
	return out
}

// ErrorLogs returns a copy of all error log rows.
func (m *Memory) ErrorLogs() []ErrorLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ErrorLog, len(m.errors))
	copy(out, m.errors)
	return out
}
