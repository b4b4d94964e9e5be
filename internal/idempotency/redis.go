package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs the guard with SET NX so that several instances share one view
// of live keys. The TTL bounds how long a key survives an instance that died
// before releasing it.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis builds a Redis-backed guard.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{client: client, prefix: "idempotency:", ttl: ttl}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Acquire(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return NewID(), true, nil
	}
	id := NewID()
	// The holder may release between SETNX and GET; retry a few times.
	for i := 0; i < 3; i++ {
		ok, err := r.client.SetNX(ctx, r.key(key), id, r.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if ok {
			return id, true, nil
		}
		existing, err := r.client.Get(ctx, r.key(key)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("read idempotency key: %w", err)
		}
		return existing, false, nil
	}
	return "", false, errors.New("idempotency key contended, try again")
}

func (r *Redis) Release(ctx context.Context, key, jobID string) error {
	if key == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, r.client, []string{r.key(key)}, jobID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
