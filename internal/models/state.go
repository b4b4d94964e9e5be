package models

import (
	"fmt"
	"time"
)

var transitions = map[Status][]Status{
	StatusPending:        {StatusProcessing, StatusCancelled},
	StatusProcessing:     {StatusCompleted, StatusFailed, StatusRetryScheduled, StatusCancelled},
	StatusRetryScheduled: {StatusPending, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the job to status to. An illegal move leaves the job
// untouched and returns an error wrapping ErrInvalidTransition.
func (j *Job) Transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.Status, to, j.ID)
	}
	j.Status = to
	j.UpdatedAt = now
	if to.Terminal() {
		t := now
		j.CompletedAt = &t
	}
	return nil
}

// BeginAttempt marks the job PROCESSING for a fresh attempt.
func (j *Job) BeginAttempt(now time.Time) error {
	if err := j.Transition(StatusProcessing, now); err != nil {
		return err
	}
	j.AttemptCount++
	j.Progress = 0
	j.CurrentStep = ""
	if j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	return nil
}

// ReportProgress applies a progress update for the running attempt. Values are
// clamped to 0..100 and never move backwards within an attempt. It reports
// whether anything observable changed.
func (j *Job) ReportProgress(progress int, step string, now time.Time) (bool, error) {
	if j.Status != StatusProcessing {
		return false, fmt.Errorf("%w: progress on %s job %s", ErrInvalidTransition, j.Status, j.ID)
	}
	progress = max(0, min(100, progress))
	changed := false
	if progress > j.Progress {
		j.Progress = progress
		changed = true
	}
	if step != "" && step != j.CurrentStep {
		j.CurrentStep = step
		changed = true
	}
	if changed {
		j.UpdatedAt = now
	}
	return changed, nil
}

// Complete records a successful attempt.
func (j *Job) Complete(result any, now time.Time) error {
	if err := j.Transition(StatusCompleted, now); err != nil {
		return err
	}
	j.Result = result
	j.Error = nil
	return nil
}

// Fail records a terminal failure, keeping the last error.
func (j *Job) Fail(jobErr JobError, now time.Time) error {
	if err := j.Transition(StatusFailed, now); err != nil {
		return err
	}
	j.Error = &jobErr
	return nil
}

// ScheduleRetry records a retryable failure.
func (j *Job) ScheduleRetry(jobErr JobError, now time.Time) error {
	if err := j.Transition(StatusRetryScheduled, now); err != nil {
		return err
	}
	j.Error = &jobErr
	return nil
}

// Requeue returns a job whose backoff elapsed to PENDING.
func (j *Job) Requeue(now time.Time) error {
	if j.Status != StatusRetryScheduled {
		return fmt.Errorf("%w: requeue from %s (job %s)", ErrInvalidTransition, j.Status, j.ID)
	}
	return j.Transition(StatusPending, now)
}

// Cancel moves the job to CANCELLED.
func (j *Job) Cancel(now time.Time) error {
	return j.Transition(StatusCancelled, now)
}
