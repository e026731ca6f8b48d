// Package dispatch turns an ad-hoc call or a due scheduled job into a work item
// on the broker, or runs it inline when asked to.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"site-scheduler/internal/config"
	"site-scheduler/internal/methods"
	"site-scheduler/internal/models"
	"site-scheduler/internal/queue"
	"site-scheduler/internal/telemetry"
	"site-scheduler/internal/tenant"
)

var (
	// ErrUnknownQueue is returned when the requested queue is not configured.
	ErrUnknownQueue = errors.New("dispatch: unknown queue")

	// ErrUnknownMethod is returned when the method is not in the registry.
	ErrUnknownMethod = errors.New("dispatch: unknown method")

	// ErrNoTransaction is returned by AfterCommit enqueues on a session without a tenant connection.
	ErrNoTransaction = errors.New("dispatch: after-commit enqueue needs a tenant connection")
)

// Broker is the part of the broker the dispatcher writes to.
type Broker interface {
	Push(ctx context.Context, item models.WorkItem) error
	IsEnqueued(ctx context.Context, id string) (bool, error)
}

// HandleStatus says what Enqueue did with the call.
type HandleStatus string

const (
	StatusQueued    HandleStatus = "queued"
	StatusDeferred  HandleStatus = "deferred"
	StatusDuplicate HandleStatus = "duplicate"
	StatusExecuted  HandleStatus = "executed"
)

// Handle describes an enqueued, deferred, skipped or inline-executed call.
type Handle struct {
	JobID  string       `json:"job_id,omitempty"`
	Queue  string       `json:"queue,omitempty"`
	Status HandleStatus `json:"status"`
	Result any          `json:"result,omitempty"`
}

// Dispatcher is safe for concurrent use; it holds no per-call state.
type Dispatcher struct {
	broker     Broker
	methods    *methods.Registry
	timeouts   map[string]int
	queues     []string
	failureTTL time.Duration
	resultTTL  time.Duration
	logger     *slog.Logger
}

// New builds a dispatcher from config.
func New(cfg config.Config, b Broker, m *methods.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	timeouts := make(map[string]int, len(cfg.QueueTimeouts))
	for k, v := range cfg.QueueTimeouts {
		timeouts[k] = v
	}
	if len(timeouts) == 0 {
		timeouts = config.DefaultQueueTimeouts()
	}
	cfg.QueueTimeouts = timeouts
	return &Dispatcher{
		broker:     b,
		methods:    m,
		timeouts:   timeouts,
		queues:     cfg.QueueNames(),
		failureTTL: cfg.FailureTTL,
		resultTTL:  cfg.ResultTTL,
		logger:     logger,
	}
}

// JobID namespaces a caller-supplied id to a tenant.
func JobID(tenant, id string) string {
	return tenant + "::" + id
}

// Queues returns the logical queue names, built-ins first.
func (d *Dispatcher) Queues() []string {
	out := make([]string, len(d.queues))
	copy(out, d.queues)
	return out
}

// QueueTimeouts returns the configured timeout of each queue.
func (d *Dispatcher) QueueTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(d.timeouts))
	for k, v := range d.timeouts {
		out[k] = time.Duration(v) * time.Second
	}
	return out
}

// IsEnqueued reports whether the tenant's job id is queued or running.
func (d *Dispatcher) IsEnqueued(ctx context.Context, tenantName, id string) (bool, error) {
	return d.broker.IsEnqueued(ctx, JobID(tenantName, id))
}

// Enqueue dispatches method for the session's tenant and user.
//
// With Now, or when the session requests synchronous execution, the method runs
// inline and its result is returned. With AfterCommit nothing reaches the broker
// until the session's transaction commits, and a rollback drops the call.
// A caller-supplied job id that is already queued or running makes the call a no-op.
func (d *Dispatcher) Enqueue(ctx context.Context, s *tenant.Session, method string, kwargs models.Kwargs, opts ...Option) (Handle, error) {
	o := options{queue: "default"}
	for _, opt := range opts {
		opt(&o)
	}
	fn, err := d.methods.Resolve(method)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if kwargs == nil {
		kwargs = models.Kwargs{}
	}
	if o.now || s.Flags.Sync {
		return d.runInline(ctx, s, fn, kwargs)
	}

	secs, ok := d.timeouts[o.queue]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownQueue, o.queue, d.queues)
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = time.Duration(secs) * time.Second
	}

	supplied := o.jobID != ""
	id := uuid.NewString()
	if supplied {
		id = JobID(s.Tenant, o.jobID)
	}
	item := models.WorkItem{
		JobID:      id,
		Tenant:     s.Tenant,
		User:       s.User,
		Method:     method,
		Event:      o.event,
		Kwargs:     kwargs,
		Queue:      o.queue,
		Timeout:    timeout,
		OnSuccess:  o.onSuccess,
		OnFailure:  o.onFailure,
		OnStopped:  o.onStopped,
		AtFront:    o.atFront,
		FailureTTL: firstPositive(o.failureTTL, d.failureTTL),
		ResultTTL:  firstPositive(o.resultTTL, d.resultTTL),
	}

	if o.afterCommit {
		if s.Conn == nil {
			return Handle{}, ErrNoTransaction
		}
		s.Conn.AfterCommit(func(ctx context.Context) error {
			_, err := d.push(ctx, s, fn, item, supplied)
			return err
		})
		return Handle{JobID: id, Queue: item.Queue, Status: StatusDeferred}, nil
	}
	return d.push(ctx, s, fn, item, supplied)
}

func (d *Dispatcher) push(ctx context.Context, s *tenant.Session, fn methods.Method, item models.WorkItem, dedup bool) (Handle, error) {
	log := d.logger.With(slog.String("tenant", item.Tenant), slog.String("method", item.Method), slog.String("job_id", item.JobID), slog.String("queue", item.Queue))

	err := func() error {
		if dedup {
			enqueued, err := d.broker.IsEnqueued(ctx, item.JobID)
			if err != nil {
				return err
			}
			if enqueued {
				return errDuplicate
			}
		}
		item.EnqueuedAt = time.Now().UTC()
		return d.broker.Push(ctx, item)
	}()

	switch {
	case err == nil:
		telemetry.EnqueueCounter.WithLabelValues(item.Queue).Inc()
		log.Debug("enqueued")
		return Handle{JobID: item.JobID, Queue: item.Queue, Status: StatusQueued}, nil
	case errors.Is(err, errDuplicate):
		telemetry.DuplicateCounter.Inc()
		log.Debug("already enqueued, skipping")
		return Handle{JobID: item.JobID, Queue: item.Queue, Status: StatusDuplicate}, nil
	case s.Flags.InMigrate && queue.IsConnectivityError(err):
		telemetry.SyncFallbacks.Inc()
		log.Warn("broker unreachable, executing synchronously", slog.Any("error", err))
		return d.runInline(ctx, s, fn, item.Kwargs)
	default:
		return Handle{}, fmt.Errorf("enqueue %s: %w", item.Method, err)
	}
}

var errDuplicate = errors.New("duplicate")

func (d *Dispatcher) runInline(ctx context.Context, s *tenant.Session, fn methods.Method, kwargs models.Kwargs) (Handle, error) {
	result, err := methods.Call(ctx, fn, s, kwargs)
	return Handle{Status: StatusExecuted, Result: result}, err
}

func firstPositive(a, b time.Duration) time.Duration {
	if a > 0 {
		return a
	}
	return b
}
