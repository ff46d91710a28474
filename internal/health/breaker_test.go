package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testPolicy() BreakerPolicy {
	return BreakerPolicy{FailureThreshold: 3, Cooldown: time.Minute, TrialTasks: 1}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(testPolicy())
	now := time.Now()

	assert.True(t, b.Allow(now))
	b.RecordFailure(now)
	b.RecordFailure(now)
	assert.True(t, b.Allow(now), "below threshold stays closed")
	assert.Equal(t, BreakerClosed, b.State())

	b.RecordFailure(now)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(now))
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := NewBreaker(testPolicy())
	now := time.Now()

	b.RecordFailure(now)
	b.RecordFailure(now)
	b.RecordSuccess()
	b.RecordFailure(now)
	b.RecordFailure(now)
	assert.Equal(t, BreakerClosed, b.State(), "non-consecutive failures must not open")
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b := NewBreaker(testPolicy())
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.RecordFailure(now)
	}
	assert.False(t, b.Allow(now))

	later := now.Add(2 * time.Minute)
	assert.True(t, b.Allow(later), "cooldown elapsed, one trial allowed")
	assert.Equal(t, BreakerHalfOpen, b.State())

	// Only TrialTasks dispatches fit through while half-open.
	b.NoteDispatch()
	assert.False(t, b.Allow(later))
}

func TestBreakerClosesOnTrialSuccess(t *testing.T) {
	b := NewBreaker(testPolicy())
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.RecordFailure(now)
	}
	later := now.Add(2 * time.Minute)
	assert.True(t, b.Allow(later))
	b.NoteDispatch()
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow(later))
}

func TestBreakerReopensOnTrialFailure(t *testing.T) {
	b := NewBreaker(testPolicy())
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.RecordFailure(now)
	}
	later := now.Add(2 * time.Minute)
	assert.True(t, b.Allow(later))
	b.NoteDispatch()
	b.RecordFailure(later)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(later.Add(time.Second)))
	// A fresh cooldown starts from the trial failure.
	assert.True(t, b.Allow(later.Add(2*time.Minute)))
}

func TestBreakerSetIsolatesWorkers(t *testing.T) {
	s := NewBreakerSet(testPolicy())
	now := time.Now()

	for i := 0; i < 3; i++ {
		s.RecordFailure("w1", now)
	}
	assert.False(t, s.Allow("w1", now))
	assert.True(t, s.Allow("w2", now), "one worker's circuit must not affect another")

	s.Remove("w1")
	assert.True(t, s.Allow("w1", now), "removed breaker starts fresh")
}
