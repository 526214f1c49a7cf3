// Package breaker implements the Circuit Breaker: per-key
// closed/open/half-open state with success/failure counting. Grounded
// directly on the ag-ui SDK's pkg/errors/circuit_breaker.go (CircuitBreaker
// interface, CircuitBreakerManager registry, beforeCall/afterCall state
// machine) but reshaped to a check/recordSuccess/recordFailure contract
// with its own success-threshold-based half-open close (the ag-ui SDK
// closes on a request-count cap instead).
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mekann2904/mekann-sub020/internal/corelog"
	"github.com/Mekann2904/mekann-sub020/pkg/rterrors"
)

// State is one of closed, open, half-open.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a single breaker key's behavior.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	CooldownMs       time.Duration
}

// DefaultConfig returns the engine's defaults (breakerCooldownMs=60s).
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, CooldownMs: 60 * time.Second}
}

// entry holds one key's breaker state, guarded by its own mutex so
// operations on unrelated keys never serialize behind a single global lock.
type entry struct {
	mu           sync.Mutex
	cfg          Config
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
}

// CheckResult is the outcome of Check.
type CheckResult struct {
	Allowed      bool
	State        State
	RetryAfterMs int64
}

// Breaker is a process-wide registry of per-key circuit breaker entries.
type Breaker struct {
	mu       sync.Mutex
	entries  map[string]*entry
	defaults Config
	log      *zap.Logger
}

// New creates a Breaker whose keys use defaults unless overridden via
// CheckWithConfig.
func New(defaults Config, log *zap.Logger) *Breaker {
	if defaults.FailureThreshold <= 0 {
		defaults = DefaultConfig()
	}
	return &Breaker{
		entries:  make(map[string]*entry),
		defaults: defaults,
		log:      corelog.Named(log, "breaker"),
	}
}

func (b *Breaker) entryFor(key string, cfg *Config) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		c := b.defaults
		if cfg != nil {
			c = *cfg
		}
		e = &entry{cfg: c, state: Closed}
		b.entries[key] = e
	}
	return e
}

// Check reports whether key is currently allowed to proceed, performing
// the open -> half-open transition inline when the cooldown has elapsed.
func (b *Breaker) Check(key string) CheckResult {
	return b.CheckWithConfig(key, nil)
}

// CheckWithConfig is Check with a per-call config override for keys seen
// for the first time (ignored for already-registered keys).
func (b *Breaker) CheckWithConfig(key string, cfg *Config) CheckResult {
	e := b.entryFor(key, cfg)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Closed:
		return CheckResult{Allowed: true, State: Closed}
	case Open:
		if time.Since(e.openedAt) >= e.cfg.CooldownMs {
			e.state = HalfOpen
			e.successCount = 0
			return CheckResult{Allowed: true, State: HalfOpen}
		}
		remaining := e.cfg.CooldownMs - time.Since(e.openedAt)
		return CheckResult{Allowed: false, State: Open, RetryAfterMs: remaining.Milliseconds()}
	case HalfOpen:
		// Callers may race in half-open; there is no token gate serializing them.
		return CheckResult{Allowed: true, State: HalfOpen}
	default:
		return CheckResult{Allowed: false, State: e.state}
	}
}

// RecordSuccess records a success for key, advancing half-open toward closed.
func (b *Breaker) RecordSuccess(key string) {
	e := b.entryFor(key, nil)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Closed:
		e.failureCount = 0
	case HalfOpen:
		e.successCount++
		if e.successCount >= e.cfg.SuccessThreshold {
			e.state = Closed
			e.failureCount = 0
			e.successCount = 0
		}
	}
}

// RecordFailure records a failure for key, tripping the breaker open once
// the failure threshold is reached.
func (b *Breaker) RecordFailure(key string) {
	e := b.entryFor(key, nil)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Closed:
		e.failureCount++
		if e.failureCount >= e.cfg.FailureThreshold {
			e.state = Open
			e.openedAt = time.Now()
			b.log.Warn("circuit breaker tripped", zap.String("key", key), zap.Int("failures", e.failureCount))
		}
	case HalfOpen:
		e.state = Open
		e.openedAt = time.Now()
		e.successCount = 0
	}
}

// Reset forces key back to closed with cleared counters.
func (b *Breaker) Reset(key string) {
	e := b.entryFor(key, nil)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Closed
	e.failureCount = 0
	e.successCount = 0
}

// ResetAll resets every known key.
func (b *Breaker) ResetAll() {
	b.mu.Lock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	b.mu.Unlock()
	for _, k := range keys {
		b.Reset(k)
	}
}

// Stats is a point-in-time view of one key's breaker state.
type Stats struct {
	Key          string
	State        State
	FailureCount int
	SuccessCount int
}

// GetStats returns a snapshot for every known key.
func (b *Breaker) GetStats() []Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Stats, 0, len(b.entries))
	for k, e := range b.entries {
		e.mu.Lock()
		out = append(out, Stats{Key: k, State: e.state, FailureCount: e.failureCount, SuccessCount: e.successCount})
		e.mu.Unlock()
	}
	return out
}

// Error constructs the boundary error for a denied Check result.
func Error(key string, res CheckResult) error {
	return rterrors.Newf(rterrors.KindCircuitOpen, "circuit breaker %q is open", key).
		WithDetail("state", res.State.String()).
		WithRetry(time.Duration(res.RetryAfterMs) * time.Millisecond)
}
