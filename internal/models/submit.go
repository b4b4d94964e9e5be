package models

// SubmitRequest asks for one job to be created.
type SubmitRequest struct {
	TaskType       TaskType       `json:"task_type" validate:"required"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" validate:"max=512"`
	// Priority orders the queue; lower values run first.
	Priority int `json:"priority"`
	// Owner is set from the authenticated caller, never from the body.
	Owner string `json:"-" validate:"max=256"`
}

// SubmitResult answers a submission. Created is false when the request
// matched a live job holding the same idempotency key.
type SubmitResult struct {
	JobID   string `json:"job_id"`
	Created bool   `json:"created"`
}

// CancelResult answers a cancellation. Accepted is false when the job had
// already reached a terminal status.
type CancelResult struct {
	JobID    string `json:"job_id"`
	Accepted bool   `json:"accepted"`
}
