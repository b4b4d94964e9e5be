package models

import (
	"time"
)

// Status enumerates job lifecycle states.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusProcessing     Status = "PROCESSING"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusPending,
		StatusProcessing,
		StatusRetryScheduled,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Live reports whether the status holds an idempotency key.
func (s Status) Live() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusRetryScheduled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Live() || s.Terminal()
}

// TaskType tags which registered task body runs a job. The set is closed.
type TaskType string

const (
	TaskFormIngestion  TaskType = "form_ingestion"
	TaskUnitGeneration TaskType = "unit_generation"
	// TaskDemo is a smoke-test task that only reports progress.
	TaskDemo TaskType = "demo"
)

// TaskTypes returns the closed set of task types.
func TaskTypes() []TaskType {
	return []TaskType{TaskFormIngestion, TaskUnitGeneration, TaskDemo}
}

// Valid reports whether t belongs to the closed set.
func (t TaskType) Valid() bool {
	for _, known := range TaskTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Job is one unit of asynchronous work.
type Job struct {
	ID             string         `json:"id"`
	TaskType       TaskType       `json:"task_type"`
	Owner          string         `json:"owner,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Priority       int            `json:"priority"`
	Payload        map[string]any `json:"payload,omitempty"`
	Status         Status         `json:"status"`
	Progress       int            `json:"progress"`
	CurrentStep    string         `json:"current_step,omitempty"`
	AttemptCount   int            `json:"attempt_count"`
	Error          *JobError      `json:"error,omitempty"`
	Result         any            `json:"result,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Snapshot is the caller-visible state of a job at one point in time.
type Snapshot struct {
	JobID          string     `json:"job_id"`
	TaskType       TaskType   `json:"task_type"`
	Owner          string     `json:"owner,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Priority       int        `json:"priority"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	CurrentStep    string     `json:"current_step,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	Error          *JobError  `json:"error,omitempty"`
	Result         any        `json:"result,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Snapshot copies the observable fields of j.
func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		JobID:          j.ID,
		TaskType:       j.TaskType,
		Owner:          j.Owner,
		IdempotencyKey: j.IdempotencyKey,
		Priority:       j.Priority,
		Status:         j.Status,
		Progress:       j.Progress,
		CurrentStep:    j.CurrentStep,
		AttemptCount:   j.AttemptCount,
		Result:         j.Result,
		CreatedAt:      j.CreatedAt,
		StartedAt:      copyTime(j.StartedAt),
		CompletedAt:    copyTime(j.CompletedAt),
		UpdatedAt:      j.UpdatedAt,
	}
	if j.Error != nil {
		e := *j.Error
		s.Error = &e
	}
	return s
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
