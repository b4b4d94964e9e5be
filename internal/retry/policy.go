package retry

import (
	"math"
	"math/rand"
	"time"

	"job-orchestrator/internal/models"
)

// Policy decides whether a failed attempt is retried and after how long.
// It holds configuration only; ShouldRetry is a function of its arguments
// and the jitter source.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
	// Jitter is the upper bound of the random fraction added to each delay.
	Jitter float64
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultPolicy allows 3 retries (4 attempts) starting at 2s, capped at 5m.
func DefaultPolicy() Policy {
	return Policy{
		Base:       2 * time.Second,
		Max:        5 * time.Minute,
		MaxRetries: 3,
		Jitter:     0.2,
	}
}

// Retryable reports whether failures of kind are ever retried.
func Retryable(kind models.ErrorKind) bool {
	return kind == models.KindTransient || kind == models.KindTimeout
}

// ShouldRetry returns whether a job that has made attempts attempts and
// failed with kind should run again, and the delay before it does.
// delay = Base * 2^attempts * (1 + jitter), capped at Max.
func (p Policy) ShouldRetry(kind models.ErrorKind, attempts int) (bool, time.Duration) {
	if !Retryable(kind) {
		return false, 0
	}
	if attempts > p.MaxRetries {
		return false, 0
	}
	return true, p.Delay(attempts)
}

// Delay computes the backoff after the given number of attempts.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	exp := float64(p.Base) * math.Pow(2, float64(attempts))
	if p.Jitter > 0 {
		exp *= 1 + p.Jitter*p.random()
	}
	if p.Max > 0 && exp > float64(p.Max) {
		return p.Max
	}
	return time.Duration(exp)
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64() //nolint:gosec // jitter does not need crypto rand
}
