package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/notify"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/telemetry"
	"job-orchestrator/internal/worker"
)

// lifecycle is the pool's handle on job state. Every call is forwarded to
// the job's actor.
type lifecycle struct {
	e *Engine
}

func (l lifecycle) Begin(ctx context.Context, jobID string) (worker.Attempt, bool) {
	e := l.e
	e.updateQueueDepth()
	a := e.actor(jobID)
	if a == nil {
		e.logger.Warn("dequeued unknown job", "job_id", jobID)
		return worker.Attempt{}, false
	}

	var (
		attempt worker.Attempt
		ok      bool
	)
	a.do(func(st *jobState) {
		if st.job.Status != models.StatusPending {
			e.logger.Debug("skipping dequeued job", "job_id", jobID, "status", st.job.Status)
			return
		}
		if err := st.job.BeginAttempt(time.Now().UTC()); err != nil {
			e.logger.Error("begin attempt failed", "job_id", jobID, "error", err)
			return
		}
		st.recordedProgress, st.recordedStep = 0, ""
		e.record(ctx, st)
		e.audit(ctx, st.job, fmt.Sprintf("attempt %d started", st.job.AttemptCount))
		attempt = worker.Attempt{Job: st.job, Cancel: st.token}
		ok = true
	})
	return attempt, ok
}

func (l lifecycle) Progress(jobID string, attempt int, progress int, step string) {
	e := l.e
	a := e.actor(jobID)
	if a == nil {
		return
	}
	a.do(func(st *jobState) {
		if st.job.Status != models.StatusProcessing || st.job.AttemptCount != attempt {
			return
		}
		changed, err := st.job.ReportProgress(progress, step, time.Now().UTC())
		if err != nil || !changed {
			return
		}
		if st.job.Progress < 100 &&
			st.job.CurrentStep == st.recordedStep &&
			st.job.Progress-st.recordedProgress < e.opts.ProgressGranularity {
			return
		}
		st.recordedProgress, st.recordedStep = st.job.Progress, st.job.CurrentStep
		e.record(context.Background(), st)
	})
}

func (l lifecycle) Finish(ctx context.Context, jobID string, attempt int, out worker.Outcome) {
	e := l.e
	a := e.actor(jobID)
	if a == nil {
		e.logger.Warn("outcome for unknown job", "job_id", jobID)
		return
	}
	a.do(func(st *jobState) {
		logger := e.logger.With("job_id", jobID, "task_type", st.job.TaskType, "attempt", attempt)
		if st.job.Status != models.StatusProcessing || st.job.AttemptCount != attempt {
			logger.Warn("discarding stale attempt outcome", "status", st.job.Status)
			return
		}
		now := time.Now().UTC()

		switch {
		case st.cancelRequested:
			reason := "cancelled while running"
			if out.Forced {
				reason = fmt.Sprintf("task did not stop within %s of cancellation", e.opts.CancelGrace)
			}
			e.cancelNow(ctx, a, st, reason, now)
			return
		case out.Err == nil:
			if err := st.job.Complete(out.Result, now); err != nil {
				logger.Error("complete transition failed", "error", err)
				return
			}
			telemetry.JobsCompleted.WithLabelValues(string(st.job.TaskType)).Inc()
			logger.Info("job completed", "duration", out.Duration)
		default:
			jobErr := models.NewJobError(out.Err)
			if retryable, delay := e.opts.Policy.ShouldRetry(jobErr.Kind, attempt); retryable {
				if err := st.job.ScheduleRetry(jobErr, now); err != nil {
					logger.Error("retry transition failed", "error", err)
					return
				}
				telemetry.JobsRetried.WithLabelValues(string(st.job.TaskType)).Inc()
				e.record(ctx, st)
				e.audit(ctx, st.job, jobErr.Error())
				e.scheduleRetry(a, st, delay)
				logger.Info("attempt failed, retry scheduled", "kind", jobErr.Kind, "delay", delay)
				return
			}
			if err := st.job.Fail(jobErr, now); err != nil {
				logger.Error("fail transition failed", "error", err)
				return
			}
			telemetry.JobsFailed.WithLabelValues(string(st.job.TaskType), string(jobErr.Kind)).Inc()
			logger.Warn("job failed", "kind", jobErr.Kind, "error", jobErr.Message)
		}
		e.terminate(ctx, a, st)
	})
}

func (e *Engine) scheduleRetry(a *actor, st *jobState, delay time.Duration) {
	st.retryTimer = time.AfterFunc(delay, func() { e.requeue(a) })
}

// requeue returns a job whose backoff elapsed to the queue. A full queue
// pushes the retry out by another backoff step instead of failing the job.
func (e *Engine) requeue(a *actor) {
	a.do(func(st *jobState) {
		st.retryTimer = nil
		if st.job.Status != models.StatusRetryScheduled {
			return
		}
		now := time.Now().UTC()
		err := e.queue.Enqueue(queue.Entry{JobID: st.job.ID, Priority: st.job.Priority, EnqueuedAt: now})
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			delay := e.opts.Policy.Delay(st.job.AttemptCount)
			e.logger.Warn("queue full, postponing retry", "job_id", st.job.ID, "delay", delay)
			e.scheduleRetry(a, st, delay)
			return
		case err != nil:
			e.logger.Warn("retry not requeued", "job_id", st.job.ID, "error", err)
			return
		}
		if err := st.job.Requeue(now); err != nil {
			e.logger.Error("requeue transition failed", "job_id", st.job.ID, "error", err)
			return
		}
		e.record(context.Background(), st)
		e.updateQueueDepth()
	})
}

// terminate records the terminal snapshot, frees the idempotency key and
// hands the job to finalize. Callers have already moved st.job to a
// terminal status, which happens at most once per job.
func (e *Engine) terminate(ctx context.Context, a *actor, st *jobState) {
	e.record(ctx, st)
	detail := ""
	if st.job.Error != nil {
		detail = st.job.Error.Error()
	}
	e.audit(ctx, st.job, detail)
	e.releaseKey(ctx, st.job)

	snap := st.job.Snapshot()
	e.finalizers.Add(1)
	go e.finalize(a, snap)
}

func (e *Engine) releaseKey(ctx context.Context, job models.Job) {
	if job.IdempotencyKey == "" {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.HookTimeout)
	defer cancel()
	if err := e.opts.Guard.Release(rctx, job.IdempotencyKey, job.ID); err != nil {
		e.logger.Warn("release idempotency key failed",
			"job_id", job.ID,
			"idempotency_key", job.IdempotencyKey,
			"error", err)
	}
}

// finalize runs the notification hook, then marks the job eligible for
// retention.
func (e *Engine) finalize(a *actor, snap models.Snapshot) {
	defer e.finalizers.Done()
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.HookTimeout)
	defer cancel()

	if e.opts.Hook != nil {
		if err := e.opts.Hook.OnTerminal(ctx, notify.NewNotification(snap)); err != nil {
			telemetry.NotificationErrors.Inc()
			e.logger.Warn("terminal notification failed", "job_id", snap.JobID, "status", snap.Status, "error", err)
		}
	}
	a.do(func(st *jobState) {
		st.notified = true
		st.finishedAt = time.Now()
	})
}
