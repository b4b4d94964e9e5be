package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger remembers which job each external item produced. Unlike the
// idempotency guard it outlives the job, so an item polled again after its
// job finished is not resubmitted.
type Ledger interface {
	Seen(ctx context.Context, key string) (jobID string, ok bool, err error)
	Remember(ctx context.Context, key, jobID string) error
}

type ledgerEntry struct {
	jobID   string
	expires time.Time
}

// MemoryLedger is an in-process Ledger whose entries expire after ttl.
type MemoryLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]ledgerEntry
	now     func() time.Time
}

func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{ttl: ttl, entries: make(map[string]ledgerEntry), now: time.Now}
}

func (m *MemoryLedger) Seen(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if m.ttl > 0 && m.now().After(e.expires) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.jobID, true, nil
}

func (m *MemoryLedger) Remember(_ context.Context, key, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = ledgerEntry{jobID: jobID, expires: m.now().Add(m.ttl)}
	return nil
}

// RedisLedger shares the ledger between instances.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: "intake:seen:", ttl: ttl}
}

func (r *RedisLedger) Seen(ctx context.Context, key string) (string, bool, error) {
	jobID, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read intake ledger: %w", err)
	}
	return jobID, true, nil
}

func (r *RedisLedger) Remember(ctx context.Context, key, jobID string) error {
	if err := r.client.Set(ctx, r.prefix+key, jobID, r.ttl).Err(); err != nil {
		return fmt.Errorf("write intake ledger: %w", err)
	}
	return nil
}
