// Package scheduler implements the Runtime Scheduler: the front door
// that ties the Capacity Reservation engine, the Cross-Instance
// Coordinator and the Adaptive Rate Controller together into a
// single `request(spec) -> waitable<lease>` call, recomputing the local
// LLM ceiling on Start, on a periodic tick and on ReloadConfig. A change
// in the coordinator registry is picked up at the next tick; it does not
// trigger a recompute by itself.
// Grounded on the ag-ui SDK's transport.TransportManager reconciliation
// loop (pkg/transport/interfaces_manager.go), which periodically
// recomputes derived state from a source of truth and applies it to a
// managed resource the same way this recomputes localMaxLlm and applies
// it to Capacity via SetLimits.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mekann2904/mekann-sub020/internal/corelog"
	"github.com/Mekann2904/mekann-sub020/pkg/adaptive"
	"github.com/Mekann2904/mekann-sub020/pkg/capacity"
	"github.com/Mekann2904/mekann-sub020/pkg/coordinator"
)

// DefaultAdaptiveKey is used when a reservation spec names no specific
// rate-limit key to charge the adaptive penalty against.
const DefaultAdaptiveKey = adaptive.DefaultKey

// Config are the Scheduler's own tunables, independent of Capacity's.
type Config struct {
	BaseMaxRequests int
	BaseMaxLLM      int
	RecomputeEvery  time.Duration
}

// DefaultConfig uses a 5s coordinator recompute tick.
func DefaultConfig() Config {
	return Config{BaseMaxRequests: 8, BaseMaxLLM: 4, RecomputeEvery: 5 * time.Second}
}

// Scheduler owns a Capacity instance and keeps its LLM ceiling in sync
// with the coordinator's fair share and the adaptive controller's penalty.
type Scheduler struct {
	cap   *capacity.Capacity
	coord *coordinator.Coordinator
	adapt *adaptive.Controller
	cfg   Config
	log   *zap.Logger

	mu      sync.Mutex
	token   coordinator.Token
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = corelog.Named(l, "scheduler") }
}

// New wires a Scheduler over the given coordinator and adaptive controller,
// constructing its own Capacity instance from cfg's base limits.
func New(coord *coordinator.Coordinator, adapt *adaptive.Controller, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cap:   capacity.New(cfg.BaseMaxRequests, cfg.BaseMaxLLM),
		coord: coord,
		adapt: adapt,
		cfg:   cfg,
		log:   corelog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start registers with the coordinator and begins the periodic recompute
// loop. Stop must be called to deregister and release the background
// goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	token, err := s.coord.Register(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.token = token
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	s.recompute(ctx)
	go s.recomputeLoop(loopCtx)
	return nil
}

// Stop deregisters from the coordinator and halts the recompute loop.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	token := s.token
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopped != nil {
		<-stopped
	}
	return s.coord.Deregister(ctx, token)
}

func (s *Scheduler) recomputeLoop(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.cfg.RecomputeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recompute(ctx)
		}
	}
}

func (s *Scheduler) recompute(ctx context.Context) {
	s.cap.Sweep()

	localMaxLLM, err := s.coord.ComputeFairShare(ctx, s.cfg.BaseMaxLLM)
	if err != nil {
		s.log.Warn("fair share recompute failed, keeping previous limits", zap.Error(err))
		return
	}
	adjusted := s.adapt.Apply(DefaultAdaptiveKey, localMaxLLM)
	s.cap.SetLimits(s.cfg.BaseMaxRequests, adjusted)
}

// Request is the scheduler's `request(reservationSpec) -> waitable<lease>`
// entry point: it simply delegates admission to Capacity, since Capacity
// already owns the pending queue and event broadcasting (the FIFO and
// edge-triggered-listener ordering guarantees live there). Scheduler's
// value add is keeping Capacity's ceiling current through its recomputes;
// Request itself does not recompute before admission.
func (s *Scheduler) Request(ctx context.Context, spec capacity.Spec) (*capacity.Lease, error) {
	return s.cap.Reserve(ctx, spec)
}

// Release forwards to the underlying Capacity reservation.
func (s *Scheduler) Release(lease *capacity.Lease) {
	s.cap.Release(lease)
}

// Heartbeat forwards to the underlying Capacity reservation.
func (s *Scheduler) Heartbeat(lease *capacity.Lease) error {
	return s.cap.Heartbeat(lease)
}

// Subscribe forwards to Capacity's edge-triggered capacity-event stream.
func (s *Scheduler) Subscribe(listener capacity.Listener) (unsubscribe func()) {
	return s.cap.Subscribe(listener)
}

// Snapshot forwards to Capacity's observable RuntimeSnapshot.
func (s *Scheduler) Snapshot() capacity.Snapshot {
	return s.cap.Snapshot()
}

// ReloadConfig applies new base limits immediately, triggering a
// recompute rather than waiting for the next tick.
func (s *Scheduler) ReloadConfig(ctx context.Context, cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.recompute(ctx)
}
