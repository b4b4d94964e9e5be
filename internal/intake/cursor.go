package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// CursorStore persists how far each source has been polled. An empty cursor
// means start from the beginning.
type CursorStore interface {
	Load(ctx context.Context, source string) (string, error)
	Save(ctx context.Context, source, cursor string) error
}

type MemoryCursors struct {
	mu      sync.Mutex
	cursors map[string]string
}

func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{cursors: make(map[string]string)}
}

func (m *MemoryCursors) Load(_ context.Context, source string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[source], nil
}

func (m *MemoryCursors) Save(_ context.Context, source, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[source] = cursor
	return nil
}

// RedisCursors keeps cursors in Redis so a restarted poller resumes.
type RedisCursors struct {
	client *redis.Client
	prefix string
}

func NewRedisCursors(client *redis.Client) *RedisCursors {
	return &RedisCursors{client: client, prefix: "intake:cursor:"}
}

func (r *RedisCursors) Load(ctx context.Context, source string) (string, error) {
	cursor, err := r.client.Get(ctx, r.prefix+source).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor for %s: %w", source, err)
	}
	return cursor, nil
}

func (r *RedisCursors) Save(ctx context.Context, source, cursor string) error {
	if err := r.client.Set(ctx, r.prefix+source, cursor, 0).Err(); err != nil {
		return fmt.Errorf("save cursor for %s: %w", source, err)
	}
	return nil
}
