package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"job-orchestrator/internal/models"
)

func fixed(v float64) func() float64 {
	return func() float64 { return v }
}

func TestShouldRetry_PermanentKindsNeverRetry(t *testing.T) {
	p := DefaultPolicy()
	for _, kind := range []models.ErrorKind{
		models.KindValidation,
		models.KindPermission,
		models.KindNotFound,
		models.KindCancelled,
	} {
		retry, delay := p.ShouldRetry(kind, 1)
		assert.False(t, retry, kind)
		assert.Zero(t, delay, kind)
	}
}

func TestShouldRetry_BoundedAttempts(t *testing.T) {
	p := DefaultPolicy()
	p.Rand = fixed(0)

	for attempts := 1; attempts <= 3; attempts++ {
		retry, _ := p.ShouldRetry(models.KindTransient, attempts)
		assert.True(t, retry, "attempt %d", attempts)
	}
	retry, delay := p.ShouldRetry(models.KindTransient, 4)
	assert.False(t, retry)
	assert.Zero(t, delay)
}

func TestShouldRetry_TimeoutIsTransient(t *testing.T) {
	retry, _ := DefaultPolicy().ShouldRetry(models.KindTimeout, 1)
	assert.True(t, retry)
}

func TestDelay_Exponential(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Hour, MaxRetries: 10, Jitter: 0.5, Rand: fixed(0)}

	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 8*time.Second, p.Delay(3))
}

func TestDelay_JitterBounds(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Hour, Jitter: 0.5, Rand: fixed(0.999)}

	d := p.Delay(2)
	assert.GreaterOrEqual(t, d, 4*time.Second)
	assert.Less(t, d, 6*time.Second)
}

func TestDelay_CapsAtMax(t *testing.T) {
	p := Policy{Base: time.Second, Max: 5 * time.Second, Jitter: 0.2, Rand: fixed(0.5)}

	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestDelay_DefaultRandStaysInRange(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, Jitter: 0.2}
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}
