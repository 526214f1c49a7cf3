// Package retry implements the Retry Engine: backoff-based retry
// wrapping an arbitrary operation, integrating the Rate Limit Gate
// and Circuit Breaker. Grounded on the RetryManager/RetryConfig shape
// in the ag-ui SDK's examples/client/internal/tools/retry.go (exponential
// backoff with jitter, a shouldRetry classifier, per-attempt state),
// rebuilt to consult the rate limit gate and circuit breaker before every
// attempt instead of running standalone.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/Mekann2904/mekann-sub020/internal/corelog"
	"github.com/Mekann2904/mekann-sub020/pkg/breaker"
	"github.com/Mekann2904/mekann-sub020/pkg/ratelimit"
	"github.com/Mekann2904/mekann-sub020/pkg/rterrors"
)

// Op is the operation retry wraps. It returns an error that, when it
// carries a retry-after hint (via rterrors.RetryAfterOf), informs the
// backoff delay computation.
type Op func(ctx context.Context, attempt int) error

// CircuitBreakerConfig configures the breaker an operation may consult.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	CooldownMs       time.Duration
}

// Options configures a single retry.Do call.
type Options struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterMs       time.Duration
	ShouldRetry    func(err error, attempt int) bool

	RateLimitKey       string
	CircuitBreakerKey  string
	EnableCircuitBreaker bool
	CircuitBreakerConfig CircuitBreakerConfig

	OnCircuitBreakerOpen func(key string, retryAfterMs int64)
}

// DefaultOptions returns the engine's stated defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		JitterMs:      250 * time.Millisecond,
		ShouldRetry:   DefaultShouldRetry,
	}
}

// DefaultShouldRetry retries on network errors and HTTP 429/5xx.
func DefaultShouldRetry(err error, _ int) bool {
	if err == nil {
		return false
	}
	if rterrors.IsKind(err, rterrors.KindCancelled) {
		return false
	}
	var ce *rterrors.CoreError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// Engine wires the rate limit gate and circuit breaker into the retry loop.
type Engine struct {
	gate    *ratelimit.Gate
	breaker *breaker.Breaker
	log     *zap.Logger
}

// New creates a retry Engine. gate and brk may individually be nil if an
// operation never sets RateLimitKey/EnableCircuitBreaker.
func New(gate *ratelimit.Gate, brk *breaker.Breaker, log *zap.Logger) *Engine {
	return &Engine{gate: gate, breaker: brk, log: corelog.Named(log, "retry")}
}

// Do runs op under the retry policy described by opts.
func (e *Engine) Do(ctx context.Context, op Op, opts Options) error {
	if opts.MaxRetries == 0 && opts.InitialDelay == 0 {
		d := DefaultOptions()
		opts.MaxRetries, opts.InitialDelay, opts.MaxDelay, opts.BackoffFactor, opts.JitterMs = d.MaxRetries, d.InitialDelay, d.MaxDelay, d.BackoffFactor, d.JitterMs
	}
	if opts.ShouldRetry == nil {
		opts.ShouldRetry = DefaultShouldRetry
	}

	for attempt := 0; ; attempt++ {
		if opts.EnableCircuitBreaker && e.breaker != nil {
			res := e.breaker.CheckWithConfig(opts.CircuitBreakerKey, &breaker.Config{
				FailureThreshold: opts.CircuitBreakerConfig.FailureThreshold,
				SuccessThreshold: opts.CircuitBreakerConfig.SuccessThreshold,
				CooldownMs:       opts.CircuitBreakerConfig.CooldownMs,
			})
			if !res.Allowed {
				if opts.OnCircuitBreakerOpen != nil {
					opts.OnCircuitBreakerOpen(opts.CircuitBreakerKey, res.RetryAfterMs)
				}
				return breaker.Error(opts.CircuitBreakerKey, res)
			}
		}

		if opts.RateLimitKey != "" && e.gate != nil {
			if err := e.gate.WaitForSlot(ctx, opts.RateLimitKey); err != nil {
				return err
			}
		}

		err := op(ctx, attempt)

		if opts.EnableCircuitBreaker && e.breaker != nil {
			if err == nil {
				e.breaker.RecordSuccess(opts.CircuitBreakerKey)
			} else {
				e.breaker.RecordFailure(opts.CircuitBreakerKey)
			}
		}

		if err == nil {
			return nil
		}

		if !opts.ShouldRetry(err, attempt) || attempt >= opts.MaxRetries {
			return err
		}

		delay := computeDelay(opts, attempt, err)
		e.log.Debug("retrying", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return rterrors.New(rterrors.KindCancelled, "retry wait cancelled").WithCause(ctx.Err())
		case <-time.After(delay):
		}
	}
}

// computeDelay applies an exponential backoff-plus-jitter formula,
// widened to the error's own Retry-After hint when it is larger.
func computeDelay(opts Options, attempt int, err error) time.Duration {
	base := float64(opts.InitialDelay) * math.Pow(opts.BackoffFactor, float64(attempt))
	delay := time.Duration(base)
	if delay > opts.MaxDelay {
		delay = opts.MaxDelay
	}
	if opts.JitterMs > 0 {
		delay += time.Duration(rand.Int63n(int64(opts.JitterMs) + 1))
	}
	if after, ok := rterrors.RetryAfterOf(err); ok && after > delay {
		delay = after
	}
	return delay
}
