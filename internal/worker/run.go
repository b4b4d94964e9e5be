package worker

import (
	"job-orchestrator/internal/models"
)

// Run is the task body's view of the attempt it executes.
type Run struct {
	job    models.Job
	token  <-chan struct{}
	report func(progress int, step string)
}

// NewRun builds a Run. token is closed by the job's owner when cancellation
// is requested; report relays progress to the status tracker.
func NewRun(job models.Job, token <-chan struct{}, report func(progress int, step string)) *Run {
	return &Run{job: job, token: token, report: report}
}

func (r *Run) JobID() string { return r.job.ID }
func (r *Run) TaskType() models.TaskType { return r.job.TaskType }
func (r *Run) Owner() string { return r.job.Owner }
func (r *Run) Attempt() int { return r.job.AttemptCount }
func (r *Run) Payload() map[string]any { return r.job.Payload }
func (r *Run) IdempotencyKey() string { return r.job.IdempotencyKey }

// Report publishes progress (0-100) and the current sub-stage. Lower values
// than already reported in this attempt are ignored.
func (r *Run) Report(progress int, step string) {
	if r.report != nil {
		r.report(progress, step)
	}
}

// Done is the cancellation token. It is closed once cancellation has been
// requested and never reopened.
func (r *Run) Done() <-chan struct{} {
	return r.token
}

// Cancelled polls the cancellation token.
func (r *Run) Cancelled() bool {
	if r.token == nil {
		return false
	}
	select {
	case <-r.token:
		return true
	default:
		return false
	}
}
