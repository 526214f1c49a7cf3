// Package capacity implements the Capacity Reservation engine:
// global and per-class counters for concurrent requests and LLM calls,
// with FIFO-per-priority admission and lease lifecycle management.
// Grounded on the channel-based semaphore plus sync.Map execution
// tracking in the ag-ui SDK's pkg/tools/executor.go (ExecutionEngine),
// generalized from a single concurrency cap to a two-dimensional
// requests/llm admission rule, and from rejecting overflow to a real
// FIFO wait queue.
package capacity

import (
	"container/list"
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mekann2904/mekann-sub020/internal/corelog"
	"github.com/Mekann2904/mekann-sub020/pkg/rterrors"
)

// Lease is a granted capacity allocation.
type Lease struct {
	ID              string
	OwnerPID        int
	RequestsCharged int
	LLMCharged      int
	Provider        string
	Model           string
	AcquiredAt      time.Time

	mu          sync.Mutex
	heartbeatAt time.Time
	released    bool
}

// HeartbeatAt returns the last heartbeat time, thread-safely.
func (l *Lease) HeartbeatAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heartbeatAt
}

// Spec describes a requested reservation.
type Spec struct {
	Requests int
	LLM      int
	Provider string
	Model    string
	Priority int // lower runs first
	TimeoutMs time.Duration
}

// Snapshot is a point-in-time view of runtime admission state.
type Snapshot struct {
	ActiveRequests        int
	ActiveLLM             int
	PendingRequests       int
	PendingLLM            int
	MaxTotalActiveRequests int
	MaxTotalActiveLLM      int
}

// Listener is invoked, edge-triggered, whenever an admission or release
// changes free capacity.
type Listener func(Snapshot)

type pendingEntry struct {
	id      string
	spec    Spec
	enqAt   time.Time
	seq     uint64
	granted chan *Lease
	failed  chan error
}

// Capacity is a process-wide admission controller.
type Capacity struct {
	mu  sync.Mutex
	log *zap.Logger

	maxRequests int
	maxLLM      int

	activeRequests int
	activeLLM      int

	leases map[string]*Lease
	queue  *list.List // of *pendingEntry, FIFO within priority

	seq uint64

	leaseTTL   time.Duration
	pendingTTL time.Duration

	listeners   []Listener
	listenersMu sync.Mutex

	ownerPID int
}

// Option configures a Capacity engine.
type Option func(*Capacity)

func WithLogger(l *zap.Logger) Option { return func(c *Capacity) { c.log = corelog.Named(l, "capacity") } }
func WithLeaseTTL(d time.Duration) Option { return func(c *Capacity) { c.leaseTTL = d } }
func WithPendingTTL(d time.Duration) Option { return func(c *Capacity) { c.pendingTTL = d } }

// New creates a Capacity engine with the given initial limits.
func New(maxRequests, maxLLM int, opts ...Option) *Capacity {
	c := &Capacity{
		maxRequests: maxRequests,
		maxLLM:      maxLLM,
		leases:      make(map[string]*Lease),
		queue:       list.New(),
		leaseTTL:    90 * time.Second,
		pendingTTL:  120 * time.Second,
		log:         corelog.Nop(),
		ownerPID:    os.Getpid(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetLimits updates the dynamic request/LLM caps (driven by the
// coordinator's fair share and the adaptive controller's penalty), floor
// 1, and reprocesses the pending queue since more capacity may now be
// admissible.
func (c *Capacity) SetLimits(maxRequests, maxLLM int) {
	if maxRequests < 1 {
		maxRequests = 1
	}
	if maxLLM < 1 {
		maxLLM = 1
	}
	c.mu.Lock()
	c.maxRequests = maxRequests
	c.maxLLM = maxLLM
	c.mu.Unlock()
	c.pump()
}

// Snapshot returns the current RuntimeSnapshot.
func (c *Capacity) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	pendingReq, pendingLLM := 0, 0
	for e := c.queue.Front(); e != nil; e = e.Next() {
		p := e.Value.(*pendingEntry)
		pendingReq += p.spec.Requests
		pendingLLM += p.spec.LLM
	}
	return Snapshot{
		ActiveRequests:         c.activeRequests,
		ActiveLLM:              c.activeLLM,
		PendingRequests:        pendingReq,
		PendingLLM:             pendingLLM,
		MaxTotalActiveRequests: c.maxRequests,
		MaxTotalActiveLLM:      c.maxLLM,
	}
}

// Subscribe registers a listener and returns an unsubscribe function.
func (c *Capacity) Subscribe(l Listener) (unsubscribe func()) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	idx := len(c.listeners) - 1
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		if idx < len(c.listeners) {
			c.listeners[idx] = nil
		}
	}
}

// notify fires every registered listener with a fresh snapshot. Listeners
// are invoked in registration order over a snapshot-and-iterate copy, so a
// concurrent unsubscribe during dispatch is tolerated.
func (c *Capacity) notify() {
	c.listenersMu.Lock()
	ls := make([]Listener, len(c.listeners))
	copy(ls, c.listeners)
	c.listenersMu.Unlock()

	snap := c.Snapshot()
	for _, l := range ls {
		if l != nil {
			l(snap)
		}
	}
}

// Reserve requests capacity, blocking until admission, cancellation (ctx),
// TTL expiry, or an explicit timeout if spec.TimeoutMs > 0.
func (c *Capacity) Reserve(ctx context.Context, spec Spec) (*Lease, error) {
	c.evictExpired()

	c.mu.Lock()
	if c.canAdmitLocked(spec) {
		lease := c.admitLocked(spec)
		c.mu.Unlock()
		c.notify()
		return lease, nil
	}

	entry := &pendingEntry{
		id:      uuid.NewString(),
		spec:    spec,
		enqAt:   time.Now(),
		granted: make(chan *Lease, 1),
		failed:  make(chan error, 1),
	}
	c.seq++
	entry.seq = c.seq
	c.insertQueuedLocked(entry)
	c.mu.Unlock()

	var timeoutCh <-chan time.Time
	if spec.TimeoutMs > 0 {
		timer := time.NewTimer(spec.TimeoutMs)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case lease := <-entry.granted:
		return lease, nil
	case err := <-entry.failed:
		return nil, err
	case <-ctx.Done():
		c.cancelEntry(entry)
		return nil, rterrors.New(rterrors.KindCancelled, "reservation cancelled").WithCause(ctx.Err())
	case <-timeoutCh:
		c.cancelEntry(entry)
		return nil, rterrors.New(rterrors.KindQueueTimeout, "pending reservation exceeded timeout")
	}
}

// Request is Reserve under the name the executor's Reserver interface
// uses, so a bare Capacity can stand in for the Scheduler.
func (c *Capacity) Request(ctx context.Context, spec Spec) (*Lease, error) {
	return c.Reserve(ctx, spec)
}

// cancelEntry removes entry from the queue if still present. If a
// concurrent grant or pending-timeout eviction removed it first (guarded
// by c.mu), cancelEntry waits for that outcome and releases a granted
// lease at once, so a cancelled caller never leaves capacity held.
func (c *Capacity) cancelEntry(entry *pendingEntry) {
	c.mu.Lock()
	for e := c.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*pendingEntry) == entry {
			c.queue.Remove(e)
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()
	select {
	case lease := <-entry.granted:
		c.Release(lease)
	case <-entry.failed:
	}
}

// insertQueuedLocked inserts entry keeping strict FIFO within priority:
// lower Priority runs first; ties break by enqueue sequence number.
func (c *Capacity) insertQueuedLocked(entry *pendingEntry) {
	for e := c.queue.Front(); e != nil; e = e.Next() {
		other := e.Value.(*pendingEntry)
		if entry.spec.Priority < other.spec.Priority {
			c.queue.InsertBefore(entry, e)
			return
		}
	}
	c.queue.PushBack(entry)
}

func (c *Capacity) canAdmitLocked(spec Spec) bool {
	return c.activeRequests+spec.Requests <= c.maxRequests && c.activeLLM+spec.LLM <= c.maxLLM
}

func (c *Capacity) admitLocked(spec Spec) *Lease {
	c.activeRequests += spec.Requests
	c.activeLLM += spec.LLM
	now := time.Now()
	lease := &Lease{
		ID:              uuid.NewString(),
		OwnerPID:        c.ownerPID,
		RequestsCharged: spec.Requests,
		LLMCharged:      spec.LLM,
		Provider:        spec.Provider,
		Model:           spec.Model,
		AcquiredAt:      now,
		heartbeatAt:     now,
	}
	c.leases[lease.ID] = lease
	return lease
}

// pump admits as many queued entries as current capacity allows, in FIFO
// order; a large head-of-line reservation blocks later smaller ones from
// jumping ahead, an accepted head-of-line-blocking tradeoff.
func (c *Capacity) pump() {
	for {
		c.mu.Lock()
		front := c.queue.Front()
		if front == nil {
			c.mu.Unlock()
			return
		}
		entry := front.Value.(*pendingEntry)
		if !c.canAdmitLocked(entry.spec) {
			c.mu.Unlock()
			return
		}
		c.queue.Remove(front)
		lease := c.admitLocked(entry.spec)
		c.mu.Unlock()

		entry.granted <- lease
		c.notify()
	}
}

// Release returns a lease's charges exactly once; a second call is a
// documented no-op.
func (c *Capacity) Release(lease *Lease) {
	if lease == nil {
		return
	}
	lease.mu.Lock()
	if lease.released {
		lease.mu.Unlock()
		return
	}
	lease.released = true
	lease.mu.Unlock()

	c.mu.Lock()
	if _, ok := c.leases[lease.ID]; ok {
		c.activeRequests -= lease.RequestsCharged
		c.activeLLM -= lease.LLMCharged
		delete(c.leases, lease.ID)
	}
	c.mu.Unlock()

	c.pump()
	c.notify()
}

// Heartbeat refreshes a lease's liveness. If the lease was already force-
// released by TTL eviction, it returns rterrors.KindExpired.
func (c *Capacity) Heartbeat(lease *Lease) error {
	if lease == nil {
		return rterrors.New(rterrors.KindNotFound, "nil lease")
	}
	lease.mu.Lock()
	if lease.released {
		lease.mu.Unlock()
		return rterrors.New(rterrors.KindExpired, "lease already released")
	}
	lease.heartbeatAt = time.Now()
	lease.mu.Unlock()

	c.evictExpired()
	return nil
}

// Sweep force-releases expired leases and fails timed-out pending entries,
// the same work Reserve and Heartbeat trigger on their own call paths. A
// caller with a periodic tick (the scheduler's recompute loop) should call
// this too, since a pending reservation with no per-call TimeoutMs and no
// other Reserve/Heartbeat traffic would otherwise sit past pendingTtlMs
// until some unrelated call happened to pass through.
func (c *Capacity) Sweep() {
	c.evictExpired()
}

// evictExpired force-releases any lease whose last heartbeat is older
// than leaseTTL, then reprocesses the queue.
func (c *Capacity) evictExpired() {
	c.mu.Lock()
	var expired []*Lease
	now := time.Now()
	for _, l := range c.leases {
		if now.Sub(l.HeartbeatAt()) > c.leaseTTL {
			expired = append(expired, l)
		}
	}
	c.mu.Unlock()

	for _, l := range expired {
		l.mu.Lock()
		alreadyReleased := l.released
		l.released = true
		l.mu.Unlock()
		if alreadyReleased {
			continue
		}
		c.log.Warn("force-releasing expired lease", zap.String("lease_id", l.ID))
		c.mu.Lock()
		if _, ok := c.leases[l.ID]; ok {
			c.activeRequests -= l.RequestsCharged
			c.activeLLM -= l.LLMCharged
			delete(c.leases, l.ID)
		}
		c.mu.Unlock()
	}
	if len(expired) > 0 {
		c.pump()
		c.notify()
	}

	c.evictPendingTimeouts()
}

// evictPendingTimeouts fails any pending entry older than pendingTTL with
// queue_timeout, in addition to the per-Reserve-call timer in Reserve.
func (c *Capacity) evictPendingTimeouts() {
	c.mu.Lock()
	var toFail []*pendingEntry
	now := time.Now()
	for e := c.queue.Front(); e != nil; {
		next := e.Next()
		p := e.Value.(*pendingEntry)
		if now.Sub(p.enqAt) > c.pendingTTL {
			c.queue.Remove(e)
			toFail = append(toFail, p)
		}
		e = next
	}
	c.mu.Unlock()

	for _, p := range toFail {
		select {
		case p.failed <- rterrors.New(rterrors.KindQueueTimeout, "pending reservation exceeded pendingTtlMs"):
		default:
		}
	}
}
