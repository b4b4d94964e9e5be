package notify

import (
	"context"
	"fmt"

	"job-orchestrator/internal/models"
)

// Submitter accepts new jobs.
type Submitter interface {
	Submit(ctx context.Context, req models.SubmitRequest) (models.SubmitResult, error)
}

// NextFunc builds the follow-up job for a completed one. ok=false means no
// follow-up is needed for this result.
type NextFunc func(n Notification) (req models.SubmitRequest, ok bool)

// Pipeline chains task types: when a job completes, the step registered for
// its task type submits the next phase. The follow-up inherits the owner and
// is keyed by the parent job id, so a replayed notification cannot start a
// second copy while the first is live.
type Pipeline struct {
	submitter Submitter
	steps     map[models.TaskType]NextFunc
}

func NewPipeline(submitter Submitter) *Pipeline {
	return &Pipeline{submitter: submitter, steps: make(map[models.TaskType]NextFunc)}
}

// Then registers the follow-up for jobs of task type from.
func (p *Pipeline) Then(from models.TaskType, next NextFunc) *Pipeline {
	p.steps[from] = next
	return p
}

func (p *Pipeline) OnTerminal(ctx context.Context, n Notification) error {
	if n.Job.Status != models.StatusCompleted {
		return nil
	}
	next, ok := p.steps[n.Job.TaskType]
	if !ok {
		return nil
	}
	req, ok := next(n)
	if !ok {
		return nil
	}
	if req.Owner == "" {
		req.Owner = n.Job.Owner
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = fmt.Sprintf("%s:%s", n.Job.JobID, req.TaskType)
	}
	if _, err := p.submitter.Submit(ctx, req); err != nil {
		return fmt.Errorf("submit %s after %s: %w", req.TaskType, n.Job.JobID, err)
	}
	return nil
}
