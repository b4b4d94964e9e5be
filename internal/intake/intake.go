// Package intake turns external items into jobs. Push delivery (webhooks) and
// pull delivery (polling a feed since a saved cursor) derive the same
// idempotency key per item, so one item never yields two jobs.
package intake

import (
	"context"
	"fmt"
	"log/slog"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/telemetry"
)

// ItemKey derives the idempotency key of an external item.
func ItemKey(source, externalID string) string {
	return source + ":" + externalID
}

// Item is one unit of outstanding external work.
type Item struct {
	Source     string          `json:"source"`
	ExternalID string          `json:"id"`
	TaskType   models.TaskType `json:"task_type"`
	Payload    map[string]any  `json:"payload"`
	Priority   int             `json:"priority"`
	Owner      string          `json:"owner,omitempty"`
}

// Key returns the item's idempotency key.
func (i Item) Key() string {
	return ItemKey(i.Source, i.ExternalID)
}

// Outcome says what intake did with an item.
type Outcome string

const (
	// OutcomeSubmitted means a new job was created.
	OutcomeSubmitted Outcome = "submitted"
	// OutcomeDuplicate means a live job already held the item's key.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSeen means the item produced a job earlier, possibly one that
	// has since finished.
	OutcomeSeen Outcome = "seen"
	// OutcomeRejected means submission failed.
	OutcomeRejected Outcome = "rejected"
)

// Result reports the job an item maps to.
type Result struct {
	JobID   string  `json:"job_id"`
	Outcome Outcome `json:"outcome"`
}

// Submitter accepts new jobs.
type Submitter interface {
	Submit(ctx context.Context, req models.SubmitRequest) (models.SubmitResult, error)
}

type submitter struct {
	sub    Submitter
	ledger Ledger
	logger *slog.Logger
}

func (s submitter) submit(ctx context.Context, item Item, adapter string) (Result, error) {
	if item.Source == "" || item.ExternalID == "" {
		telemetry.IntakeItems.WithLabelValues(item.Source, adapter, string(OutcomeRejected)).Inc()
		return Result{Outcome: OutcomeRejected}, fmt.Errorf("%w: item needs a source and an id", models.ErrValidation)
	}
	key := item.Key()
	logger := s.logger.With("source", item.Source, "external_id", item.ExternalID, "adapter", adapter)

	jobID, seen, err := s.ledger.Seen(ctx, key)
	if err != nil {
		logger.Warn("intake ledger lookup failed, relying on idempotency guard", "error", err)
	}
	if seen {
		telemetry.IntakeItems.WithLabelValues(item.Source, adapter, string(OutcomeSeen)).Inc()
		logger.Debug("item already submitted", "job_id", jobID)
		return Result{JobID: jobID, Outcome: OutcomeSeen}, nil
	}

	res, err := s.sub.Submit(ctx, models.SubmitRequest{
		TaskType:       item.TaskType,
		Payload:        item.Payload,
		IdempotencyKey: key,
		Priority:       item.Priority,
		Owner:          item.Owner,
	})
	if err != nil {
		telemetry.IntakeItems.WithLabelValues(item.Source, adapter, string(OutcomeRejected)).Inc()
		return Result{Outcome: OutcomeRejected}, fmt.Errorf("submit item %s: %w", key, err)
	}
	if err := s.ledger.Remember(ctx, key, res.JobID); err != nil {
		logger.Warn("intake ledger write failed", "job_id", res.JobID, "error", err)
	}

	outcome := OutcomeSubmitted
	if !res.Created {
		outcome = OutcomeDuplicate
	}
	telemetry.IntakeItems.WithLabelValues(item.Source, adapter, string(outcome)).Inc()
	logger.Info("intake item handled", "job_id", res.JobID, "outcome", outcome)
	return Result{JobID: res.JobID, Outcome: outcome}, nil
}

// Push submits externally delivered items immediately.
type Push struct {
	s submitter
}

func NewPush(sub Submitter, ledger Ledger, logger *slog.Logger) *Push {
	return &Push{s: submitter{sub: sub, ledger: ledger, logger: logger.With("component", "intake_push")}}
}

// Deliver submits one pushed item.
func (p *Push) Deliver(ctx context.Context, item Item) (Result, error) {
	return p.s.submit(ctx, item, "push")
}
