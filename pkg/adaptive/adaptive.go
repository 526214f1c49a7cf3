// Package adaptive implements the Adaptive Rate Controller: a
// sliding window of recent outcomes per key, deriving a multiplicative
// penalty applied to the Capacity Reservation engine's dynamic limits.
// Grounded on the ring-buffer-of-recent-events shape shared by the ag-ui
// SDK's SlidingWindowLimiter (pkg/server/middleware/ratelimit.go) and its
// ExecutionMetrics atomic counters (pkg/tools/executor.go), combined here
// into a fixed-size outcome ring with hysteresis.
package adaptive

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Mekann2904/mekann-sub020/internal/corelog"
)

// DefaultKey is used when a caller has no more specific rate-limit or
// model key to charge an outcome against.
const DefaultKey = "default"

// Outcome is one recorded result for a key.
type Outcome int

const (
	Success Outcome = iota
	Error
	Timeout
	RateLimit
)

// window is a fixed-capacity ring of the last N outcomes for one key,
// plus hysteresis bookkeeping for its derived penalty.
type window struct {
	mu            sync.Mutex
	outcomes      []Outcome
	pos           int
	filled        bool
	size          int
	penalty       float64
	consecutiveOK int
}

func newWindow(size int) *window {
	return &window{outcomes: make([]Outcome, size), size: size, penalty: 1.0}
}

func (w *window) record(o Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.outcomes[w.pos] = o
	w.pos = (w.pos + 1) % w.size
	if w.pos == 0 {
		w.filled = true
	}

	errs, n := w.errorCountLocked()
	e := 0.0
	if n > 0 {
		e = float64(errs) / float64(n)
	}

	if e < 0.1 {
		if o == Success {
			w.consecutiveOK++
		} else {
			w.consecutiveOK = 0
		}
		// Step upward by 0.1 on every outcome recorded while the error
		// rate is below 0.1, rather than jumping straight back to 1.0.
		// The step is not gated on a run of consecutive successes.
		if w.penalty < 1.0 {
			w.penalty += 0.1
			if w.penalty > 1.0 {
				w.penalty = 1.0
			}
		} else {
			w.penalty = 1.0
		}
		return
	}

	w.consecutiveOK = 0
	target := 1 - 2*e
	if target < 0.25 {
		target = 0.25
	}
	w.penalty = target
}

func (w *window) errorCountLocked() (errs, n int) {
	limit := w.pos
	if w.filled {
		limit = w.size
	}
	for i := 0; i < limit; i++ {
		n++
		if w.outcomes[i] != Success {
			errs++
		}
	}
	return errs, n
}

func (w *window) snapshot() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.penalty
}

// Controller is a process-wide registry of adaptive windows keyed by
// string (commonly "<provider>/<model>" or a defaultKey).
type Controller struct {
	mu       sync.Mutex
	windows  map[string]*window
	size     int
	log      *zap.Logger
}

// New creates a Controller with the given window size (default 50).
func New(size int, log *zap.Logger) *Controller {
	if size <= 0 {
		size = 50
	}
	return &Controller{windows: make(map[string]*window), size: size, log: corelog.Named(log, "adaptive")}
}

func (c *Controller) windowFor(key string) *window {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[key]
	if !ok {
		w = newWindow(c.size)
		c.windows[key] = w
	}
	return w
}

// RecordOutcome appends an outcome to key's window.
func (c *Controller) RecordOutcome(key string, o Outcome) {
	c.windowFor(key).record(o)
}

// Penalty returns key's current multiplicative penalty in [0.25, 1].
func (c *Controller) Penalty(key string) float64 {
	return c.windowFor(key).snapshot()
}

// Apply multiplies limit by key's penalty, rounding down with a floor of 1.
// Capacity reservation uses this to shrink dynamic limits under sustained
// errors.
func (c *Controller) Apply(key string, limit int) int {
	p := c.Penalty(key)
	adjusted := int(float64(limit) * p)
	if adjusted < 1 {
		adjusted = 1
	}
	return adjusted
}
