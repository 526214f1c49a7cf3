package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotonicTripAfterFailureThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, SuccessThreshold: 2, CooldownMs: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		b.RecordFailure("svc")
		res := b.Check("svc")
		assert.True(t, res.Allowed, "should stay closed before threshold")
	}
	b.RecordFailure("svc")

	res := b.Check("svc")
	assert.False(t, res.Allowed)
	assert.Equal(t, Open, res.State)
}

func TestCooldownThenHalfOpenThenClosed(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, CooldownMs: 30 * time.Millisecond}, nil)

	b.RecordFailure("svc")
	require.False(t, b.Check("svc").Allowed)

	time.Sleep(40 * time.Millisecond)
	res := b.Check("svc")
	assert.True(t, res.Allowed)
	assert.Equal(t, HalfOpen, res.State)

	b.RecordSuccess("svc")
	b.RecordSuccess("svc")
	res = b.Check("svc")
	assert.Equal(t, Closed, res.State)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, CooldownMs: 10 * time.Millisecond}, nil)
	b.RecordFailure("svc")
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, HalfOpen, b.Check("svc").State)

	b.RecordFailure("svc")
	res := b.Check("svc")
	assert.False(t, res.Allowed)
	assert.Equal(t, Open, res.State)
}

func TestResetReturnsToClosed(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, CooldownMs: time.Minute}, nil)
	b.RecordFailure("svc")
	require.False(t, b.Check("svc").Allowed)

	b.Reset("svc")
	res := b.Check("svc")
	assert.True(t, res.Allowed)
	assert.Equal(t, Closed, res.State)
}

func TestScenarioS3StateSequence(t *testing.T) {
	b := New(Config{FailureThreshold: 3, SuccessThreshold: 2, CooldownMs: 500 * time.Millisecond}, nil)

	var states []State
	record := func() { states = append(states, b.Check("svc").State) }

	b.RecordFailure("svc")
	record() // closed
	b.RecordFailure("svc")
	record() // closed
	b.RecordFailure("svc")
	record() // open (threshold reached)

	time.Sleep(600 * time.Millisecond)
	record() // half-open

	b.RecordSuccess("svc")
	record() // half-open (1 success, need 2)
	b.RecordSuccess("svc")
	record() // closed

	assert.Equal(t, []State{Closed, Closed, Open, HalfOpen, HalfOpen, Closed}, states)
}
