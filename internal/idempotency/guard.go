// Package idempotency maps caller-supplied keys to at most one live job.
package idempotency

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Guard serializes the check-and-reserve of an idempotency key.
type Guard interface {
	// Acquire returns the live job holding key (isNew=false) or reserves key
	// for a freshly generated job id (isNew=true). An empty key is never
	// deduplicated.
	Acquire(ctx context.Context, key string) (jobID string, isNew bool, err error)
	// Release frees key if it is still held by jobID.
	Release(ctx context.Context, key, jobID string) error
}

// NewID generates job identifiers.
func NewID() string {
	return uuid.NewString()
}

// Memory is an in-process guard scoped to a single running instance.
type Memory struct {
	mu   sync.Mutex
	keys map[string]string
}

// NewMemory creates an empty in-process guard.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]string)}
}

func (m *Memory) Acquire(_ context.Context, key string) (string, bool, error) {
	if key == "" {
		return NewID(), true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.keys[key]; ok {
		return id, false, nil
	}
	id := NewID()
	m.keys[key] = id
	return id, true, nil
}

func (m *Memory) Release(_ context.Context, key, jobID string) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] == jobID {
		delete(m.keys, key)
	}
	return nil
}

// Held returns the number of reserved keys.
func (m *Memory) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
