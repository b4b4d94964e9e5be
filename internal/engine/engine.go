// Package engine accepts jobs, drives them through their lifecycle on a
// worker pool, and answers status, listing and cancellation queries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"job-orchestrator/internal/idempotency"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/notify"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/retry"
	"job-orchestrator/internal/telemetry"
	"job-orchestrator/internal/tracker"
	"job-orchestrator/internal/worker"
)

// Auditor keeps a durable trail of status transitions.
type Auditor interface {
	AppendAudit(ctx context.Context, entry models.AuditLog) error
}

// Options wires an Engine. Registry is required; everything else has an
// in-process default.
type Options struct {
	Registry *worker.Registry
	Guard    idempotency.Guard
	Tracker  *tracker.Tracker
	Policy   retry.Policy
	Hook     notify.Hook
	Auditor  Auditor
	Logger   *slog.Logger

	Workers        int
	QueueCapacity  int
	DefaultTimeout time.Duration
	CancelGrace    time.Duration
	// ProgressGranularity is the smallest progress step that produces a new
	// status record. Step changes and 100% are always recorded.
	ProgressGranularity int
	// HookTimeout bounds key release, auditing and notification of one job.
	HookTimeout time.Duration
	// Retention is how long a terminal job stays in the live registry after
	// its notification ran.
	Retention      time.Duration
	RetentionSweep time.Duration
}

// Stats is a point-in-time view of engine load.
type Stats struct {
	QueueDepth int `json:"queue_depth"`
	InFlight   int `json:"inflight"`
	LiveJobs   int `json:"live_jobs"`
	Workers    int `json:"workers"`
}

// Engine owns the live job registry. Each job is mutated only by its own
// actor goroutine; readers go through the tracker.
type Engine struct {
	opts     Options
	logger   *slog.Logger
	queue    *queue.Queue
	pool     *worker.Pool
	validate *validator.Validate

	mu      sync.RWMutex
	jobs    map[string]*actor
	started bool

	// keyLocks serialize submissions that share an idempotency key, from
	// reservation until the job is registered.
	keyLocks [64]sync.Mutex

	finalizers  sync.WaitGroup
	janitorStop context.CancelFunc
	janitorDone chan struct{}
}

// New builds an engine. Call Start before submitting work that should run.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Guard == nil {
		opts.Guard = idempotency.NewMemory()
	}
	if opts.Tracker == nil {
		opts.Tracker = tracker.New(nil, tracker.Config{}, opts.Logger)
	}
	if opts.ProgressGranularity <= 0 {
		opts.ProgressGranularity = 1
	}
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = 10 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.RetentionSweep <= 0 {
		opts.RetentionSweep = time.Minute
	}

	e := &Engine{
		opts:     opts,
		logger:   opts.Logger.With("component", "engine"),
		queue:    queue.New(opts.QueueCapacity),
		validate: validator.New(),
		jobs:     make(map[string]*actor),
	}
	e.pool = worker.NewPool(e.queue, lifecycle{e}, opts.Registry, worker.Config{
		Size:           opts.Workers,
		DefaultTimeout: opts.DefaultTimeout,
		CancelGrace:    opts.CancelGrace,
	}, opts.Logger)
	return e, nil
}

// Start launches the worker pool and the retention janitor.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.started = true

	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.janitorStop = cancel
	e.janitorDone = make(chan struct{})
	go func() {
		defer close(e.janitorDone)
		e.janitor(jctx)
	}()
	e.logger.Info("engine started",
		"workers", e.pool.Size(),
		"queue_capacity", e.opts.QueueCapacity,
		"max_retries", e.opts.Policy.MaxRetries)
	return nil
}

// Stop drains the worker pool (aborting attempts still running when ctx
// ends), stops pending retry timers and waits for in-flight notifications.
// Jobs that are still live are not resumed: they are cancelled, which
// records their final state and frees their idempotency keys for the next
// instance.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	e.janitorStop()
	<-e.janitorDone

	if err := e.pool.Stop(ctx); err != nil {
		e.logger.Error("worker pool stop failed", "error", err)
	}

	// Every job that made it into the queue is registered by now.
	e.queue.Close()
	e.updateQueueDepth()

	actors := e.actors()
	abandoned := 0
	for _, a := range actors {
		a.do(func(st *jobState) {
			if st.retryTimer != nil {
				st.retryTimer.Stop()
				st.retryTimer = nil
			}
			if !st.job.Status.Live() {
				return
			}
			abandoned++
			e.cancelNow(ctx, a, st, "engine stopped before the job finished", time.Now().UTC())
		})
	}

	done := make(chan struct{})
	go func() {
		e.finalizers.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for notifications: %w", ctx.Err())
	}

	for _, a := range actors {
		a.retire()
	}
	e.logger.Info("engine stopped", "jobs", len(actors), "abandoned", abandoned)
	return err
}

// Submit creates a job, or returns the live job already holding the
// request's idempotency key with Created=false. A key still held by a job
// that is no longer live is reclaimed.
func (e *Engine) Submit(ctx context.Context, req models.SubmitRequest) (models.SubmitResult, error) {
	if err := e.validate.Struct(req); err != nil {
		return models.SubmitResult{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if !req.TaskType.Valid() {
		return models.SubmitResult{}, fmt.Errorf("%w: unknown task type %q", models.ErrValidation, req.TaskType)
	}
	if !e.opts.Registry.Has(req.TaskType) {
		return models.SubmitResult{}, fmt.Errorf("%w: no handler registered for task type %q", models.ErrValidation, req.TaskType)
	}

	unlock := e.lockKey(req.IdempotencyKey)
	defer unlock()
	jobID, isNew, err := e.reserve(ctx, req.IdempotencyKey)
	if err != nil {
		return models.SubmitResult{}, fmt.Errorf("acquire idempotency key: %w", err)
	}
	if !isNew {
		telemetry.JobsDeduplicated.Inc()
		e.logger.Info("submission matched live job",
			"job_id", jobID,
			"idempotency_key", req.IdempotencyKey)
		return models.SubmitResult{JobID: jobID, Created: false}, nil
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:             jobID,
		TaskType:       req.TaskType,
		Owner:          req.Owner,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		Payload:        req.Payload,
		Status:         models.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	a := newActor(job)
	e.mu.Lock()
	e.jobs[jobID] = a
	e.mu.Unlock()

	var enqueueErr error
	a.do(func(st *jobState) {
		enqueueErr = e.queue.Enqueue(queue.Entry{JobID: jobID, Priority: job.Priority, EnqueuedAt: now})
		if enqueueErr != nil {
			return
		}
		e.record(ctx, st)
		e.audit(ctx, st.job, "submitted")
	})
	if enqueueErr != nil {
		e.mu.Lock()
		delete(e.jobs, jobID)
		e.mu.Unlock()
		a.retire()
		if err := e.opts.Guard.Release(context.WithoutCancel(ctx), req.IdempotencyKey, jobID); err != nil {
			e.logger.Warn("release idempotency key after rejected submit failed", "job_id", jobID, "error", err)
		}
		return models.SubmitResult{}, fmt.Errorf("enqueue job: %w", enqueueErr)
	}

	telemetry.JobsSubmitted.WithLabelValues(string(job.TaskType)).Inc()
	e.updateQueueDepth()
	e.logger.Info("job submitted",
		"job_id", jobID,
		"task_type", job.TaskType,
		"priority", job.Priority,
		"idempotency_key", job.IdempotencyKey)
	return models.SubmitResult{JobID: jobID, Created: true}, nil
}

const maxReclaims = 3

// reserve acquires key. When the guard names a holder that is no longer
// live, the holder is released (only if it still holds key) and the
// acquisition retried.
func (e *Engine) reserve(ctx context.Context, key string) (string, bool, error) {
	for attempt := 0; attempt < maxReclaims; attempt++ {
		jobID, isNew, err := e.opts.Guard.Acquire(ctx, key)
		if err != nil || isNew {
			return jobID, isNew, err
		}
		if e.holderLive(ctx, jobID) {
			return jobID, false, nil
		}
		e.logger.Warn("reclaiming idempotency key from job that is no longer live",
			"idempotency_key", key,
			"job_id", jobID)
		if err := e.opts.Guard.Release(ctx, key, jobID); err != nil {
			return "", false, fmt.Errorf("release stale holder %s: %w", jobID, err)
		}
	}
	return "", false, models.Errorf(models.KindTransient, "idempotency key %q still contended after %d attempts", key, maxReclaims)
}

// holderLive reports whether jobID, named by the guard as a key holder, can
// still run.
func (e *Engine) holderLive(ctx context.Context, jobID string) bool {
	if a := e.actor(jobID); a != nil {
		live := false
		if a.do(func(st *jobState) { live = st.job.Status.Live() }) {
			return live
		}
		return false
	}
	snap, err := e.opts.Tracker.Get(ctx, jobID)
	switch {
	case err == nil:
		return snap.Status.Live()
	case errors.Is(err, models.ErrNotFound):
		// Another instance's live job is only visible through a persistent
		// tracker. With neither that nor an in-process guard, an unknown
		// holder may still be running elsewhere.
		_, local := e.opts.Guard.(*idempotency.Memory)
		return !local && !e.opts.Tracker.Persistent()
	default:
		e.logger.Warn("cannot check idempotency key holder", "job_id", jobID, "error", err)
		return true
	}
}

func (e *Engine) lockKey(key string) func() {
	if key == "" {
		return func() {}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &e.keyLocks[h.Sum32()%uint32(len(e.keyLocks))]
	mu.Lock()
	return mu.Unlock
}

// Status returns the latest recorded snapshot of a job.
func (e *Engine) Status(ctx context.Context, jobID string) (models.Snapshot, error) {
	return e.opts.Tracker.Get(ctx, jobID)
}

// List returns jobs matching f with per-status counts.
func (e *Engine) List(ctx context.Context, f tracker.Filter) (tracker.ListResult, error) {
	return e.opts.Tracker.List(ctx, f)
}

// History returns every recorded snapshot of a live job, oldest first.
func (e *Engine) History(jobID string) []models.Snapshot {
	return e.opts.Tracker.History(jobID)
}

// Cancel stops a job. A PENDING job is removed from the queue and never
// runs; a job waiting out a retry backoff is cancelled immediately; a
// PROCESSING job has its cancellation token closed and becomes CANCELLED
// when the attempt returns or its grace period runs out. Cancelling a
// terminal job is not accepted and returns an error wrapping
// models.ErrInvalidTransition.
func (e *Engine) Cancel(ctx context.Context, jobID string) (models.CancelResult, error) {
	res := models.CancelResult{JobID: jobID}
	var cancelErr error
	a := e.actor(jobID)
	ran := a != nil && a.do(func(st *jobState) {
		now := time.Now().UTC()
		switch st.job.Status {
		case models.StatusPending:
			e.queue.Remove(jobID)
			e.updateQueueDepth()
			e.cancelNow(ctx, a, st, "cancelled before start", now)
			res.Accepted = true
		case models.StatusRetryScheduled:
			if st.retryTimer != nil {
				st.retryTimer.Stop()
				st.retryTimer = nil
			}
			e.cancelNow(ctx, a, st, "cancelled during retry backoff", now)
			res.Accepted = true
		case models.StatusProcessing:
			st.requestCancel()
			res.Accepted = true
			e.logger.Info("cancellation requested for running job",
				"job_id", jobID,
				"attempt", st.job.AttemptCount,
				"grace", e.opts.CancelGrace)
		default:
			cancelErr = st.job.Cancel(now)
		}
	})
	if ran {
		if cancelErr != nil {
			e.logger.Debug("cancel rejected", "job_id", jobID, "error", cancelErr)
			return res, fmt.Errorf("cancel: %w", cancelErr)
		}
		return res, nil
	}

	// Swept from the live registry, or run by another instance.
	snap, err := e.opts.Tracker.Get(ctx, jobID)
	if err != nil {
		return res, err
	}
	if snap.Status.Terminal() {
		return res, fmt.Errorf("cancel: %w: %s -> %s (job %s)",
			models.ErrInvalidTransition, snap.Status, models.StatusCancelled, jobID)
	}
	e.logger.Warn("cancel for job not owned by this engine", "job_id", jobID, "status", snap.Status)
	return res, nil
}

// Stats reports current load.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	live := len(e.jobs)
	e.mu.RUnlock()
	return Stats{
		QueueDepth: e.queue.Len(),
		InFlight:   e.pool.InFlight(),
		LiveJobs:   live,
		Workers:    e.pool.Size(),
	}
}

func (e *Engine) cancelNow(ctx context.Context, a *actor, st *jobState, reason string, now time.Time) {
	st.job.Error = &models.JobError{Kind: models.KindCancelled, Message: reason}
	if err := st.job.Cancel(now); err != nil {
		e.logger.Error("cancel transition failed", "job_id", st.job.ID, "error", err)
		return
	}
	telemetry.JobsCancelled.Inc()
	e.logger.Info("job cancelled", "job_id", st.job.ID, "reason", reason)
	e.terminate(ctx, a, st)
}

func (e *Engine) actor(jobID string) *actor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.jobs[jobID]
}

func (e *Engine) actors() []*actor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*actor, 0, len(e.jobs))
	for _, a := range e.jobs {
		out = append(out, a)
	}
	return out
}

func (e *Engine) record(ctx context.Context, st *jobState) {
	e.opts.Tracker.Record(ctx, st.job.Snapshot())
}

func (e *Engine) audit(ctx context.Context, job models.Job, detail string) {
	if e.opts.Auditor == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.HookTimeout)
	defer cancel()
	entry := models.AuditLog{
		JobID:    job.ID,
		Event:    string(job.Status),
		Detail:   detail,
		Recorded: time.Now().UTC(),
	}
	if err := e.opts.Auditor.AppendAudit(actx, entry); err != nil {
		e.logger.Warn("audit append failed", "job_id", job.ID, "status", job.Status, "error", err)
	}
}

func (e *Engine) updateQueueDepth() {
	telemetry.QueueDepthGauge.Set(float64(e.queue.Len()))
}
