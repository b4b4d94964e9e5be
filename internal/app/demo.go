package app

import (
	"context"
	"time"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/worker"
)

type demoPayload struct {
	// DelayMS pauses before each progress report.
	DelayMS int    `json:"delay_ms"`
	Message string `json:"message"`
}

var demoSteps = []struct {
	progress int
	step     string
}{
	{20, "fetch"},
	{60, "process"},
	{100, "finalize"},
}

// Demo is the smoke-test task: it reports 20, 60 and 100 percent and echoes
// its message. It stops at the next step once cancelled.
func Demo(ctx context.Context, run *worker.Run, p demoPayload) (any, error) {
	if p.DelayMS < 0 {
		return nil, models.Errorf(models.KindValidation, "delay_ms must not be negative")
	}
	delay := time.Duration(p.DelayMS) * time.Millisecond
	for _, s := range demoSteps {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-run.Done():
				timer.Stop()
				return nil, models.ErrCancelled
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		if run.Cancelled() {
			return nil, models.ErrCancelled
		}
		run.Report(s.progress, s.step)
	}
	return map[string]any{
		"message": p.Message,
		"attempt": run.Attempt(),
	}, nil
}

// RegisterDemo binds the demo task.
func RegisterDemo(reg *worker.Registry, timeouts map[string]time.Duration) error {
	return reg.Register(models.TaskDemo, worker.Typed(Demo), TimeoutFor(timeouts, models.TaskDemo)...)
}

// TimeoutFor returns the registration options for a task type's configured
// attempt timeout, if any.
func TimeoutFor(timeouts map[string]time.Duration, t models.TaskType) []worker.Option {
	if d, ok := timeouts[string(t)]; ok && d > 0 {
		return []worker.Option{worker.WithTimeout(d)}
	}
	return nil
}
