package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/telemetry"
)

// Source hands out queued jobs.
type Source interface {
	Dequeue(ctx context.Context) (queue.Entry, error)
}

// Attempt is a job that has just entered PROCESSING.
type Attempt struct {
	Job models.Job
	// Cancel is closed by the job's owner when cancellation is requested.
	Cancel <-chan struct{}
}

// Lifecycle owns job state. The pool only drives it.
type Lifecycle interface {
	// Begin moves a dequeued job to PROCESSING. ok=false means the job must
	// not run (cancelled while queued, or unknown).
	Begin(ctx context.Context, jobID string) (a Attempt, ok bool)
	// Progress relays a progress report from the running attempt.
	Progress(jobID string, attempt int, progress int, step string)
	// Finish hands the attempt's outcome back to the owner.
	Finish(ctx context.Context, jobID string, attempt int, out Outcome)
}

// Config sizes the pool.
type Config struct {
	// Size is the number of concurrent executors. Defaults to 1.
	Size int
	// DefaultTimeout bounds an attempt unless its task type overrides it.
	DefaultTimeout time.Duration
	// CancelGrace is how long a cancelled body may keep running before the
	// attempt is abandoned.
	CancelGrace time.Duration
}

// Pool runs a fixed number of executors that pull jobs from a Source.
type Pool struct {
	source    Source
	lifecycle Lifecycle
	registry  *Registry
	cfg       Config
	logger    *slog.Logger

	mu        sync.Mutex
	running   bool
	wg        sync.WaitGroup
	stopPull  context.CancelFunc
	abortRuns context.CancelFunc
	pullCtx   context.Context
	runCtx    context.Context
	inflight  atomic.Int64
}

// NewPool creates a pool; call Start to launch executors.
func NewPool(source Source, lifecycle Lifecycle, registry *Registry, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Size <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", cfg.Size,
			"default_count", 1)
		cfg.Size = 1
	}
	return &Pool{
		source:    source,
		lifecycle: lifecycle,
		registry:  registry,
		cfg:       cfg,
		logger:    logger.With("component", "worker_pool"),
	}
}

// Size returns the number of executors.
func (p *Pool) Size() int { return p.cfg.Size }

// InFlight returns the number of attempts currently executing.
func (p *Pool) InFlight() int { return int(p.inflight.Load()) }

// Start launches the executors. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true

	base := context.WithoutCancel(ctx)
	p.pullCtx, p.stopPull = context.WithCancel(base)
	p.runCtx, p.abortRuns = context.WithCancel(base)

	p.logger.Info("worker pool starting", "size", p.cfg.Size, "default_timeout", p.cfg.DefaultTimeout)
	for i := 0; i < p.cfg.Size; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	return nil
}

// Stop stops pulling new jobs and waits for running attempts. When ctx ends
// first, running attempts are aborted.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.stopPull()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, aborting running attempts", "inflight", p.InFlight())
		p.abortRuns()
		<-done
	}
	p.abortRuns()
	return nil
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	workerID := fmt.Sprintf("worker-%d", id)
	p.logger.Debug("starting worker", "worker_id", workerID)

	for {
		entry, err := p.source.Dequeue(p.pullCtx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || p.pullCtx.Err() != nil {
				p.logger.Debug("stopping worker", "worker_id", workerID)
				return
			}
			p.logger.Error("dequeue failed", "worker_id", workerID, "error", err)
			continue
		}
		p.process(workerID, entry)
	}
}

func (p *Pool) process(workerID string, entry queue.Entry) {
	attempt, ok := p.lifecycle.Begin(p.runCtx, entry.JobID)
	if !ok {
		return
	}
	job := attempt.Job
	logger := p.logger.With(
		"job_id", job.ID,
		"task_type", job.TaskType,
		"attempt", job.AttemptCount,
		"worker_id", workerID,
	)
	finishCtx := context.WithoutCancel(p.runCtx)

	handler, timeout, found := p.registry.Lookup(job.TaskType)
	if !found {
		logger.Error("no handler registered for task type")
		p.lifecycle.Finish(finishCtx, job.ID, job.AttemptCount, Outcome{
			Err: models.Errorf(models.KindValidation, "no handler registered for task type %q", job.TaskType),
		})
		return
	}
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}

	run := NewRun(job, attempt.Cancel, func(progress int, step string) {
		p.lifecycle.Progress(job.ID, job.AttemptCount, progress, step)
	})

	logger.Info("processing job")
	p.inflight.Add(1)
	telemetry.InFlightGauge.Inc()
	out := runAttempt(p.runCtx, handler, run, timeout, p.cfg.CancelGrace)
	p.inflight.Add(-1)
	telemetry.InFlightGauge.Dec()
	telemetry.AttemptDuration.WithLabelValues(string(job.TaskType)).Observe(out.Duration.Seconds())

	switch {
	case out.Forced:
		logger.Warn("task body ignored cancellation, attempt abandoned", "grace", p.cfg.CancelGrace)
	case out.TimedOut:
		logger.Warn("attempt timed out", "timeout", timeout)
	case out.Err != nil:
		logger.Info("attempt failed", "error", out.Err, "duration", out.Duration)
	default:
		logger.Info("attempt succeeded", "duration", out.Duration)
	}
	p.lifecycle.Finish(finishCtx, job.ID, job.AttemptCount, out)
}
