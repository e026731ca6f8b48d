package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"site-scheduler/internal/telemetry"
)

// Supervisor keeps Count copies of a worker process running. A child that exits
// non-zero is restarted; one that exits cleanly (a burst worker) frees its slot.
type Supervisor struct {
	Path         string
	Args         []string
	Env          []string
	Count        int
	RestartDelay time.Duration
	StopTimeout  time.Duration
	logger       *slog.Logger
}

func NewSupervisor(path string, args []string, count int, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		Path:         path,
		Args:         args,
		Count:        count,
		RestartDelay: time.Second,
		StopTimeout:  30 * time.Second,
		logger:       logger,
	}
}

// Run blocks until every slot is done or ctx is cancelled. On cancellation each
// child gets SIGTERM and StopTimeout to finish its current job.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.Count; i++ {
		slot := i
		g.Go(func() error { return s.keep(gctx, slot) })
	}
	return g.Wait()
}

func (s *Supervisor) keep(ctx context.Context, slot int) error {
	log := s.logger.With(slog.Int("slot", slot))
	for {
		cmd := exec.CommandContext(ctx, s.Path, s.Args...)
		cmd.Env = append(append(os.Environ(), s.Env...), fmt.Sprintf("WORKER_SLOT=%d", slot))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		cmd.WaitDelay = s.StopTimeout

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start worker %d: %w", slot, err)
		}
		log.Info("worker process started", slog.Int("pid", cmd.Process.Pid))
		err := cmd.Wait()
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			log.Info("worker process exited")
			return nil
		}

		telemetry.WorkerRestarts.Inc()
		log.Warn("worker process died, restarting", slog.Any("error", err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.RestartDelay):
		}
	}
}
