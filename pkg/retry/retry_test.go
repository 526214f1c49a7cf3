package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mekann2904/mekann-sub020/pkg/breaker"
	"github.com/Mekann2904/mekann-sub020/pkg/rterrors"
)

func retryableErr(retryAfter time.Duration) error {
	e := rterrors.New(rterrors.KindLLMError, "HTTP 429")
	if retryAfter > 0 {
		e = e.WithRetry(retryAfter)
	} else {
		e.Retryable = true
	}
	return e
}

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	e := New(nil, nil, nil)
	calls := 0
	err := e.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoStopsAfterMaxRetries(t *testing.T) {
	e := New(nil, nil, nil)
	calls := 0
	opts := DefaultOptions()
	opts.MaxRetries = 2
	opts.InitialDelay = time.Millisecond
	opts.MaxDelay = 5 * time.Millisecond
	opts.JitterMs = 0

	err := e.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return retryableErr(0)
	}, opts)

	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
}

func TestDoHonorsRetryAfterHint(t *testing.T) {
	e := New(nil, nil, nil)
	var timestamps []time.Time
	opts := DefaultOptions()
	opts.MaxRetries = 1
	opts.InitialDelay = 100 * time.Millisecond
	opts.JitterMs = 0

	_ = e.Do(context.Background(), func(ctx context.Context, attempt int) error {
		timestamps = append(timestamps, time.Now())
		if attempt == 0 {
			return retryableErr(250 * time.Millisecond)
		}
		return nil
	}, opts)

	require.Len(t, timestamps, 2)
	gap := timestamps[1].Sub(timestamps[0])
	assert.GreaterOrEqual(t, gap, 240*time.Millisecond)
}

func TestDoOpenCircuitShortCircuits(t *testing.T) {
	brk := breaker.New(breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, CooldownMs: time.Minute}, nil)
	brk.RecordFailure("svc")

	e := New(nil, brk, nil)
	calls := 0
	opts := DefaultOptions()
	opts.EnableCircuitBreaker = true
	opts.CircuitBreakerKey = "svc"

	var openedKey string
	opts.OnCircuitBreakerOpen = func(key string, _ int64) { openedKey = key }

	err := e.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	}, opts)

	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindCircuitOpen))
	assert.Equal(t, 0, calls)
	assert.Equal(t, "svc", openedKey)
}

func TestDoCancellationDuringBackoff(t *testing.T) {
	e := New(nil, nil, nil)
	opts := DefaultOptions()
	opts.MaxRetries = 5
	opts.InitialDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := e.Do(ctx, func(ctx context.Context, attempt int) error {
		return retryableErr(0)
	}, opts)

	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindCancelled))
}
