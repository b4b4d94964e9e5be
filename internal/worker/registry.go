package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"job-orchestrator/internal/models"
)

var (
	ErrUnknownTaskType  = errors.New("unknown task type")
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrNilHandler       = errors.New("nil handler")
)

// Handler executes one attempt of a job. It must watch ctx (or run.Done())
// at its own checkpoints; the returned value becomes the job result.
type Handler func(ctx context.Context, run *Run) (any, error)

// Typed adapts a handler taking a decoded payload of type P. A payload that
// does not decode into P fails the attempt with a validation error.
func Typed[P any](fn func(ctx context.Context, run *Run, payload P) (any, error)) Handler {
	return func(ctx context.Context, run *Run) (any, error) {
		var p P
		if err := DecodePayload(run.Payload(), &p); err != nil {
			return nil, err
		}
		return fn(ctx, run, p)
	}
}

// DecodePayload converts a generic payload into v.
func DecodePayload(payload map[string]any, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w: %w", models.ErrValidation, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w: %w", models.ErrValidation, err)
	}
	return nil
}

// Option configures a registration.
type Option func(*registration)

// WithTimeout overrides the pool's default attempt timeout for one task type.
func WithTimeout(d time.Duration) Option {
	return func(r *registration) { r.timeout = d }
}

type registration struct {
	handler Handler
	timeout time.Duration
}

// Registry binds task types from the closed set to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.TaskType]registration
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.TaskType]registration)}
}

// Register binds a handler to a task type. Unknown task types, nil handlers
// and second registrations are rejected here rather than at dispatch.
func (r *Registry) Register(taskType models.TaskType, h Handler, opts ...Option) error {
	if !taskType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	if h == nil {
		return fmt.Errorf("%w for %q", ErrNilHandler, taskType)
	}
	reg := registration{handler: h}
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, taskType)
	}
	r.handlers[taskType] = reg
	return nil
}

// MustRegister is Register for wiring code that cannot proceed on error.
func (r *Registry) MustRegister(taskType models.TaskType, h Handler, opts ...Option) {
	if err := r.Register(taskType, h, opts...); err != nil {
		panic(err)
	}
}

// Lookup returns the handler and its timeout override (zero if none).
func (r *Registry) Lookup(taskType models.TaskType) (Handler, time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[taskType]
	return reg.handler, reg.timeout, ok
}

// Has reports whether taskType has a handler.
func (r *Registry) Has(taskType models.TaskType) bool {
	_, _, ok := r.Lookup(taskType)
	return ok
}
