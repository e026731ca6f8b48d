// Package store persists job definitions, job run logs and scheduler settings
// inside one tenant's database.
package store

import (
	"context"
	"errors"
	"time"

	"site-scheduler/internal/models"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrDuplicate         = errors.New("store: duplicate job definition")
	ErrInvalidTransition = errors.New("store: job run already in terminal state")
)

// Store is the data access surface the scheduling core needs from a tenant database.
// Implementations are bound to the caller's current transaction.
type Store interface {
	ListJobDefinitions(ctx context.Context) ([]models.JobDefinition, error)
	GetJobDefinition(ctx context.Context, name string) (models.JobDefinition, error)
	GetJobDefinitionByMethod(ctx context.Context, method string) (models.JobDefinition, error)
	JobDefinitionExists(ctx context.Context, method string, freq models.Frequency, cronExpr string) (bool, error)
	InsertJobDefinition(ctx context.Context, def models.JobDefinition) error
	DeleteJobDefinition(ctx context.Context, name string) error
	UpdateLastExecution(ctx context.Context, name string, at time.Time) error
	SetStopped(ctx context.Context, name string, stopped bool) error

	InsertJobRun(ctx context.Context, definition string, status models.RunStatus) (int64, error)
	UpdateJobRun(ctx context.Context, id int64, status models.RunStatus, details string) error
	LastJobRunAt(ctx context.Context) (time.Time, bool, error)
	PurgeJobRuns(ctx context.Context, olderThan time.Time) (int64, error)

	LastActivityAt(ctx context.Context) (time.Time, bool, error)
	InsertErrorLog(ctx context.Context, method, traceback string) error
	ScriptExists(ctx context.Context, ref string) (bool, error)

	SchedulerFlags(ctx context.Context) (models.SchedulerFlags, error)
	SetSchedulerFlags(ctx context.Context, flags models.SchedulerFlags) error
}
