package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"job-orchestrator/internal/models"
)

var errPoolStopped = errors.New("worker pool stopped")

// Outcome is what one attempt produced.
type Outcome struct {
	Result any
	Err    error
	// TimedOut means the attempt hit its wall-clock budget and was abandoned.
	TimedOut bool
	// Cancelled means cancellation was requested while the attempt ran.
	Cancelled bool
	// Forced means the task body ignored cancellation past the grace period
	// and was abandoned.
	Forced   bool
	Duration time.Duration
}

type attemptResult struct {
	val any
	err error
}

// runAttempt executes h with a hard timeout. When the run's cancellation
// token fires, the attempt context is cancelled and the body gets grace to
// return before it is abandoned. An abandoned body keeps running in its own
// goroutine; its result is discarded.
func runAttempt(parent context.Context, h Handler, run *Run, timeout, grace time.Duration) Outcome {
	start := time.Now()
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("task body panicked: %v", r)}
			}
		}()
		v, err := h(ctx, run)
		done <- attemptResult{val: v, err: err}
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	token := run.Done()
	var graceC <-chan time.Time
	for {
		select {
		case res := <-done:
			return Outcome{
				Result:    res.val,
				Err:       res.err,
				Cancelled: run.Cancelled(),
				Duration:  time.Since(start),
			}
		case <-token:
			token = nil
			cancel(models.ErrCancelled)
			if grace <= 0 {
				return Outcome{Err: models.ErrCancelled, Cancelled: true, Forced: true, Duration: time.Since(start)}
			}
			graceTimer := time.NewTimer(grace)
			defer graceTimer.Stop()
			graceC = graceTimer.C
		case <-graceC:
			return Outcome{
				Err:       fmt.Errorf("%w: task ignored cancellation for %s", models.ErrCancelled, grace),
				Cancelled: true,
				Forced:    true,
				Duration:  time.Since(start),
			}
		case <-timeoutC:
			cancel(models.ErrTimeout)
			return Outcome{
				Err:       fmt.Errorf("%w after %s", models.ErrTimeout, timeout),
				TimedOut:  true,
				Cancelled: run.Cancelled(),
				Duration:  time.Since(start),
			}
		case <-parent.Done():
			cancel(errPoolStopped)
			return Outcome{
				Err:      models.Errorf(models.KindTransient, "%s", errPoolStopped),
				Duration: time.Since(start),
			}
		}
	}
}
