package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"job-orchestrator/internal/idempotency"
)

// Guard is an idempotency guard over the idempotency_keys table. A key whose
// row has expired is free to be claimed again.
type Guard struct {
	store *Store
	ttl   time.Duration
}

// Guard returns a Postgres-backed idempotency guard.
func (s *Store) Guard(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{store: s, ttl: ttl}
}

func (g *Guard) Acquire(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return idempotency.NewID(), true, nil
	}
	id := idempotency.NewID()
	for i := 0; i < 3; i++ {
		var holder string
		err := g.store.pool.QueryRow(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at <= NOW()
			RETURNING job_id
		`, key, id, time.Now().UTC().Add(g.ttl)).Scan(&holder)
		if err == nil {
			return holder, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", false, fmt.Errorf("reserve idempotency key: %w", err)
		}

		err = g.store.pool.QueryRow(ctx, `
			SELECT job_id FROM idempotency_keys WHERE key = $1
		`, key).Scan(&holder)
		if errors.Is(err, pgx.ErrNoRows) {
			// Released between the insert and the read.
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("read idempotency key: %w", err)
		}
		return holder, false, nil
	}
	return "", false, errors.New("idempotency key contended, try again")
}

func (g *Guard) Release(ctx context.Context, key, jobID string) error {
	if key == "" {
		return nil
	}
	if _, err := g.store.pool.Exec(ctx, `
		DELETE FROM idempotency_keys WHERE key = $1 AND job_id = $2
	`, key, jobID); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

var _ idempotency.Guard = (*Guard)(nil)
