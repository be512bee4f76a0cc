package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartsClosed(t *testing.T) {
	b := New("test", 3, time.Minute)
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestTripsAtThreshold(t *testing.T) {
	b := New("test", 3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b := New("test", 3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	// Streak was broken, so the circuit stays closed.
	assert.Equal(t, StateClosed, b.State())
}

func TestProbeAfterCooldown(t *testing.T) {
	b := New("test", 1, 10*time.Millisecond)

	b.RecordFailure()
	assert.False(t, b.Allow())

	time.Sleep(15 * time.Millisecond)

	// First caller after cooldown becomes the probe; the next is rejected.
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow())
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New("test", 1, 10*time.Millisecond)
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestProbeFailureReopens(t *testing.T) {
	b := New("test", 1, 10*time.Millisecond)
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	// Cooldown restarts from the failed probe.
	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow())
}

func TestDefaultsApplied(t *testing.T) {
	b := New("test", 0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.cooldown)
}
