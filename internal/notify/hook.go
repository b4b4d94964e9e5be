// Package notify delivers terminal job outcomes to interested collaborators.
package notify

import (
	"context"
	"errors"
	"fmt"

	"job-orchestrator/internal/models"
)

// Notification is sent exactly once per job, when it reaches a terminal
// status.
type Notification struct {
	Event string          `json:"event"`
	Job   models.Snapshot `json:"job"`
}

// NewNotification builds the notification for a terminal snapshot.
func NewNotification(s models.Snapshot) Notification {
	return Notification{Event: EventName(s.Status), Job: s}
}

// EventName maps a terminal status to its event name, e.g. "job.completed".
func EventName(s models.Status) string {
	switch s {
	case models.StatusCompleted:
		return "job.completed"
	case models.StatusFailed:
		return "job.failed"
	case models.StatusCancelled:
		return "job.cancelled"
	}
	return "job.updated"
}

// Hook receives terminal notifications. A returned error is logged by the
// caller and never changes the job's outcome.
type Hook interface {
	OnTerminal(ctx context.Context, n Notification) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, n Notification) error

func (f HookFunc) OnTerminal(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Multi fans a notification out to every hook, in order. All hooks run even
// when one fails; the failures are joined.
type Multi []Hook

func (m Multi) OnTerminal(ctx context.Context, n Notification) error {
	var errs []error
	for i, h := range m {
		if h == nil {
			continue
		}
		if err := h.OnTerminal(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("hook %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
