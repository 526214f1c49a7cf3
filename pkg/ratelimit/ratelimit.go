// Package ratelimit implements the Rate Limit Gate: a per-key
// sliding-window throttle with cooldown recording and fast-fail, grounded
// on the SlidingWindowLimiter in the ag-ui SDK's
// pkg/server/middleware/ratelimit.go (clean-old-requests-then-append over
// a mutex-guarded timestamp slice), generalized to persist its buckets
// through the Shared State Store so peer processes share the same window.
package ratelimit

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Mekann2904/mekann-sub020/internal/corelog"
	"github.com/Mekann2904/mekann-sub020/pkg/rterrors"
	"github.com/Mekann2904/mekann-sub020/pkg/statestore"
)

// Config configures the gate.
type Config struct {
	Window              time.Duration // sliding window width; default 60s
	RPM                  int           // requests allowed per window, per key
	FastFailThreshold    time.Duration // projected wait above this fast-fails
	DefaultCooldown      time.Duration // cooldown applied when Retry-After is absent
	Logger               *zap.Logger

	// MaxKeys bounds the number of distinct provider/model buckets kept
	// in memory; least-recently-used keys are evicted beyond this, since
	// a long-running instance otherwise accumulates one bucket per
	// distinct key forever.
	MaxKeys int
}

// bucket is the in-process view of a rate limit bucket. Timestamps are
// kept as a ring via a plain slice, pruned on every access.
type bucket struct {
	mu            sync.Mutex
	starts        []time.Time
	cooldownUntil time.Time
	lastAccessed  time.Time
}

// Gate is a process-wide registry of buckets keyed by string (commonly
// "<provider>/<model>").
type Gate struct {
	cfg     Config
	mu      sync.Mutex
	buckets *lru.Cache[string, *bucket]
	global  *rate.Limiter // instance-wide pacing ceiling, ahead of the per-key window
	store   *statestore.Store // optional: cross-process persistence
	loadOnce sync.Once
	log     *zap.Logger
}

// diskState is the JSON shape persisted to <runtime>/print-throttle.json.
type diskState struct {
	Version   int                    `json:"version"`
	UpdatedAt int64                  `json:"updatedAt"`
	States    map[string]diskBucket  `json:"states"`
}

type diskBucket struct {
	RequestStartsMs []int64 `json:"requestStartsMs"`
	CooldownUntilMs int64   `json:"cooldownUntilMs"`
	LastAccessedMs  int64   `json:"lastAccessedMs"`
}

// New creates a Gate. store may be nil for a process-local-only gate
// (tests, or single-process deployments).
func New(cfg Config, store *statestore.Store) *Gate {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.RPM <= 0 {
		cfg.RPM = 60
	}
	if cfg.FastFailThreshold <= 0 {
		cfg.FastFailThreshold = 30 * time.Second
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 5 * time.Second
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 4096
	}
	buckets, err := lru.New[string, *bucket](cfg.MaxKeys)
	if err != nil {
		// cfg.MaxKeys is always positive here, so New only fails on a
		// programmer error; keep the gate usable with a 4096-entry
		// fallback rather than panicking on a config edge case.
		buckets, _ = lru.New[string, *bucket](4096)
	}
	return &Gate{
		cfg:     cfg,
		buckets: buckets,
		global:  rate.NewLimiter(rate.Limit(float64(cfg.RPM*4)/cfg.Window.Seconds()), cfg.RPM*4),
		store:   store,
		log:     corelog.Named(cfg.Logger, "ratelimit"),
	}
}

// bucketFor returns key's bucket, creating one on first access in this
// process. If a store is configured, the gate's on-disk state is loaded
// once, before the first bucket of the process is created, so a freshly
// started peer process picks up whatever window state another instance
// already persisted rather than starting with an empty window.
func (g *Gate) bucketFor(key string) *bucket {
	g.ensureLoaded()

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.buckets.Get(key); ok {
		return b
	}
	b := &bucket{}
	g.buckets.Add(key, b)
	return b
}

// ensureLoaded hydrates buckets from the backing store's last-persisted
// document, exactly once per Gate. A load failure is logged and leaves
// the gate running with empty buckets rather than blocking startup.
func (g *Gate) ensureLoaded() {
	if g.store == nil {
		return
	}
	g.loadOnce.Do(func() {
		doc, err := statestore.ReadJSON[diskState](context.Background(), g.store)
		if err != nil {
			g.log.Warn("rate limit state load failed, starting empty", zap.Error(err))
			return
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		for key, db := range doc.States {
			b := &bucket{starts: make([]time.Time, len(db.RequestStartsMs))}
			for i, ms := range db.RequestStartsMs {
				b.starts[i] = time.UnixMilli(ms)
			}
			if db.CooldownUntilMs > 0 {
				b.cooldownUntil = time.UnixMilli(db.CooldownUntilMs)
			}
			if db.LastAccessedMs > 0 {
				b.lastAccessed = time.UnixMilli(db.LastAccessedMs)
			}
			g.buckets.Add(key, b)
		}
	})
}

// WaitForSlot blocks until a slot is available within the sliding window,
// honoring ctx cancellation. It returns a rate_limited fast-fail error (with
// the computed wait attached) if the projected wait exceeds FastFailThreshold.
// Fast-fail does not consume a slot.
func (g *Gate) WaitForSlot(ctx context.Context, key string) error {
	if err := g.global.Wait(ctx); err != nil {
		return rterrors.New(rterrors.KindCancelled, "rate limit wait cancelled").WithCause(err)
	}

	b := g.bucketFor(key)

	for {
		wait, ok := g.tryAcquire(key, b)
		if ok {
			return nil
		}

		if wait > g.cfg.FastFailThreshold {
			return rterrors.Newf(rterrors.KindRateLimited, "rate limit gate fast-fail for %q", key).
				WithDetail("retryAfterMs", wait.Milliseconds()).
				WithRetry(wait)
		}

		select {
		case <-ctx.Done():
			return rterrors.New(rterrors.KindCancelled, "rate limit wait cancelled").WithCause(ctx.Err())
		case <-time.After(wait):
		}
	}
}

// tryAcquire prunes expired timestamps and, if the window has room and no
// cooldown is active, appends "now" and returns (0, true). Otherwise it
// returns the duration the caller must wait before retrying. A successful
// acquire is persisted to the backing store (if any) so peer processes
// see the consumed slot.
func (g *Gate) tryAcquire(key string, b *bucket) (time.Duration, bool) {
	b.mu.Lock()

	now := time.Now()
	b.lastAccessed = now
	cutoff := now.Add(-g.cfg.Window)

	kept := b.starts[:0]
	for _, t := range b.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.starts = kept

	if len(b.starts) < g.cfg.RPM && !now.Before(b.cooldownUntil) {
		b.starts = append(b.starts, now)
		b.mu.Unlock()
		g.persist(key, b)
		return 0, true
	}

	var wait time.Duration
	if len(b.starts) >= g.cfg.RPM {
		earliestExpiry := b.starts[0].Add(g.cfg.Window)
		if w := earliestExpiry.Sub(now); w > wait {
			wait = w
		}
	}
	if cd := b.cooldownUntil.Sub(now); cd > wait {
		wait = cd
	}
	if wait < 0 {
		wait = 0
	}
	b.mu.Unlock()
	return wait, false
}

var rateLimitSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b429\b`),
	regexp.MustCompile(`(?i)rate limit`),
	regexp.MustCompile(`(?i)retry-after`),
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry-after:?\s*(\d+)`)

// RecordFailure scans stderrText for rate-limit signatures ("429", "rate
// limit", "retry-after") and, if found, sets cooldownUntil accordingly.
func (g *Gate) RecordFailure(key, stderrText string) {
	matched := false
	for _, re := range rateLimitSignatures {
		if re.MatchString(stderrText) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}

	cooldown := parseRetryAfter(stderrText, g.cfg.DefaultCooldown)
	b := g.bucketFor(key)
	b.mu.Lock()
	until := time.Now().Add(cooldown)
	changed := until.After(b.cooldownUntil)
	if changed {
		b.cooldownUntil = until
	}
	b.mu.Unlock()
	if changed {
		g.persist(key, b)
	}
	g.log.Warn("rate limit signature detected", zap.String("key", key), zap.Duration("cooldown", cooldown))
}

// parseRetryAfter extracts a "Retry-After: <seconds>" value from text,
// falling back to defaultCooldown when absent or unparseable.
func parseRetryAfter(text string, defaultCooldown time.Duration) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(text)
	if len(m) != 2 {
		return defaultCooldown
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil || secs < 0 {
		return defaultCooldown
	}
	return time.Duration(secs) * time.Second
}

// Snapshot returns the current timestamp count and cooldown for a key,
// primarily for tests and metrics export.
func (g *Gate) Snapshot(key string) (count int, cooldownUntil time.Time) {
	b := g.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-g.cfg.Window)
	n := 0
	for _, t := range b.starts {
		if t.After(cutoff) {
			n++
		}
	}
	return n, b.cooldownUntil
}

// persist writes key's current bucket state into the backing store's
// shared document, merging with whatever other keys are already there.
// Best-effort: a write failure is logged rather than returned, since the
// rate-limit decision for this process has already been made locally,
// and cross-process sharing only needs the next read to see it.
func (g *Gate) persist(key string, b *bucket) {
	if g.store == nil {
		return
	}
	b.mu.Lock()
	starts := make([]int64, len(b.starts))
	for i, t := range b.starts {
		starts[i] = t.UnixMilli()
	}
	db := diskBucket{
		RequestStartsMs: starts,
		CooldownUntilMs: b.cooldownUntil.UnixMilli(),
		LastAccessedMs:  b.lastAccessed.UnixMilli(),
	}
	b.mu.Unlock()

	_, err := statestore.MutateJSON(context.Background(), g.store, func(doc *diskState) error {
		if doc.States == nil {
			doc.States = make(map[string]diskBucket)
		}
		doc.Version = 1
		doc.UpdatedAt = time.Now().UnixMilli()
		doc.States[key] = db
		return nil
	})
	if err != nil {
		g.log.Warn("rate limit state persist failed", zap.String("key", key), zap.Error(err))
	}
}
