package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"site-scheduler/internal/methods"
	"site-scheduler/internal/models"
	"site-scheduler/internal/queue"
	"site-scheduler/internal/telemetry"
)

// Strategy decides the order in which a worker polls its queues.
type Strategy string

const (
	StrategyDefault    Strategy = "default"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
)

// ParseStrategy accepts "" as the default strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyDefault:
		return StrategyDefault, nil
	case StrategyRoundRobin, StrategyRandom:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown dequeue strategy %q", s)
}

var (
	// ErrJobStopped is the cancellation cause of a job stopped on request.
	ErrJobStopped = errors.New("worker: job stopped on request")
	errJobTimeout = errors.New("worker: job timed out")
)

// Options configure a Processor.
type Options struct {
	Name     string
	Queues   []string
	Strategy Strategy
	// Burst makes Run return once every queue is empty.
	Burst            bool
	PollTimeout      time.Duration
	CleanInterval    time.Duration
	StopPollInterval time.Duration
}

func (o *Options) defaults() {
	if o.Name == "" {
		host, _ := os.Hostname()
		o.Name = fmt.Sprintf("%s.%d", host, os.Getpid())
	}
	if o.Strategy == "" {
		o.Strategy = StrategyDefault
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 5 * time.Second
	}
	if o.CleanInterval <= 0 {
		o.CleanInterval = time.Minute
	}
	if o.StopPollInterval <= 0 {
		o.StopPollInterval = time.Second
	}
}

// Processor drives the worker execution loop.
type Processor struct {
	broker  *queue.Broker
	exec    *Executor
	methods *methods.Registry
	opts    Options
	logger  *slog.Logger
	rng     *rand.Rand
	next    int
}

func NewProcessor(b *queue.Broker, exec *Executor, m *methods.Registry, opts Options, logger *slog.Logger) *Processor {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		broker:  b,
		exec:    exec,
		methods: m,
		opts:    opts,
		logger:  logger.With(slog.String("worker", opts.Name)),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run starts the main worker loop until context cancellation. A job already
// running when ctx is cancelled is allowed to finish.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker started",
		slog.String("queues", strings.Join(p.opts.Queues, ",")),
		slog.String("strategy", string(p.opts.Strategy)), slog.Bool("burst", p.opts.Burst))

	var lastClean time.Time
	for {
		if ctx.Err() != nil {
			p.logger.Info("worker stopping")
			return nil
		}
		if time.Since(lastClean) >= p.opts.CleanInterval {
			p.maintain(ctx)
			lastClean = time.Now()
		}

		processed, err := p.Work(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("dequeue failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if !processed && p.opts.Burst {
			p.logger.Info("queues empty, burst worker exiting")
			return nil
		}
	}
}

// Work dequeues and performs at most one job. It reports whether a job ran.
func (p *Processor) Work(ctx context.Context) (bool, error) {
	timeout := p.opts.PollTimeout
	if p.opts.Burst {
		timeout = 0
	}
	job, err := p.broker.Dequeue(ctx, p.orderedQueues(), timeout, p.opts.Name)
	if err != nil || job == nil {
		return false, err
	}
	p.advance(job.Queue)
	p.perform(context.WithoutCancel(ctx), job)
	return true, nil
}

func (p *Processor) orderedQueues() []string {
	qs := p.opts.Queues
	if len(qs) == 0 {
		return nil
	}
	switch p.opts.Strategy {
	case StrategyRoundRobin:
		n := p.next % len(qs)
		out := make([]string, 0, len(qs))
		out = append(out, qs[n:]...)
		return append(out, qs[:n]...)
	case StrategyRandom:
		out := append([]string(nil), qs...)
		p.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}
	return qs
}

// advance moves the round robin cursor past the queue that just yielded a job.
func (p *Processor) advance(queueName string) {
	for i, q := range p.opts.Queues {
		if q == queueName {
			p.next = i + 1
			return
		}
	}
}

func (p *Processor) perform(ctx context.Context, job *queue.Job) {
	log := p.logger.With(slog.String("job_id", job.ID), slog.String("tenant", job.Item.Tenant), slog.String("method", job.Item.Method))
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if job.Item.Timeout > 0 {
		var stop context.CancelFunc
		jobCtx, stop = context.WithTimeoutCause(jobCtx, job.Item.Timeout, errJobTimeout)
		defer stop()
	}
	watchDone := make(chan struct{})
	go p.watchStop(jobCtx, job.ID, cancel, watchDone)

	started := time.Now()
	result, err := p.exec.Run(jobCtx, job.Item, 0)
	cause := context.Cause(jobCtx)
	close(watchDone)

	var outcome methods.Outcome
	switch {
	case err != nil && errors.Is(cause, ErrJobStopped):
		outcome = methods.Outcome{Status: models.StatusStopped, Err: err}
		if merr := p.broker.MarkStopped(ctx, job); merr != nil {
			log.Error("mark job stopped", slog.Any("error", merr))
		}
		log.Warn("job stopped on request")
	case err != nil:
		exc := methods.Traceback(err)
		if errors.Is(cause, errJobTimeout) {
			exc = fmt.Sprintf("job exceeded timeout of %s\n%s", job.Item.Timeout, exc)
		}
		outcome = methods.Outcome{Status: models.StatusFailed, Err: err}
		if ferr := p.broker.Fail(ctx, job, exc); ferr != nil {
			log.Error("mark job failed", slog.Any("error", ferr))
		}
		log.Error("job failed", slog.Duration("elapsed", time.Since(started)), slog.Any("error", err))
	default:
		outcome = methods.Outcome{Status: models.StatusFinished, Result: result}
		if ferr := p.broker.Finish(ctx, job, result); ferr != nil {
			log.Error("mark job finished", slog.Any("error", ferr))
		}
		log.Info("job finished", slog.Duration("elapsed", time.Since(started)))
	}
	telemetry.Executions.WithLabelValues(outcome.Status).Inc()
	p.callback(ctx, job, outcome)
}

// watchStop polls the broker's stop set until the job ends.
func (p *Processor) watchStop(ctx context.Context, id string, cancel context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(p.opts.StopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			stop, err := p.broker.StopRequested(ctx, id)
			if err == nil && stop {
				cancel(ErrJobStopped)
				return
			}
		}
	}
}

func (p *Processor) callback(ctx context.Context, job *queue.Job, outcome methods.Outcome) {
	var name string
	switch outcome.Status {
	case models.StatusFinished:
		name = job.Item.OnSuccess
	case models.StatusFailed:
		name = job.Item.OnFailure
	case models.StatusStopped:
		name = job.Item.OnStopped
	}
	if name == "" {
		return
	}
	fn, err := p.methods.Callback(name)
	if err != nil {
		p.logger.Error("resolve callback", slog.String("callback", name), slog.Any("error", err))
		return
	}
	if err := fn(ctx, job.Item, outcome); err != nil {
		p.logger.Error("callback failed", slog.String("callback", name), slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (p *Processor) maintain(ctx context.Context) {
	abandoned, purged, err := p.broker.CleanRegistries(ctx, 100)
	if err != nil {
		p.logger.Warn("clean registries", slog.Any("error", err))
	} else if abandoned > 0 || purged > 0 {
		p.logger.Info("registries cleaned", slog.Int("abandoned", abandoned), slog.Int("purged", purged))
	}
	if depth, err := p.broker.ReadyDepth(ctx, p.opts.Queues); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}
