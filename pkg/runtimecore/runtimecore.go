// Package runtimecore wires every runtime component into a single entry
// point: construct the Shared State Store, Rate Limit Gate, Circuit Breaker,
// Retry Engine, Capacity Reservation engine, Cross-Instance Coordinator,
// Adaptive Rate Controller, Task Executor and MCP Connection Manager over
// one runtimeconfig.Config, and expose the process-lifecycle operations
// (Shutdown, ReloadLimits) callers need around them. Grounded on the
// ag-ui SDK's top-level server wiring (examples/server/main.go's
// explicit construct-then-inject sequence): no component reaches for
// global state, everything is passed down from here.
package runtimecore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/Mekann2904/mekann-sub020/internal/corelog"
	"github.com/Mekann2904/mekann-sub020/internal/runtimeconfig"
	"github.com/Mekann2904/mekann-sub020/pkg/adaptive"
	"github.com/Mekann2904/mekann-sub020/pkg/breaker"
	"github.com/Mekann2904/mekann-sub020/pkg/capacity"
	"github.com/Mekann2904/mekann-sub020/pkg/coordinator"
	"github.com/Mekann2904/mekann-sub020/pkg/executor"
	"github.com/Mekann2904/mekann-sub020/pkg/mcp"
	"github.com/Mekann2904/mekann-sub020/pkg/ratelimit"
	"github.com/Mekann2904/mekann-sub020/pkg/retry"
	"github.com/Mekann2904/mekann-sub020/pkg/scheduler"
	"github.com/Mekann2904/mekann-sub020/pkg/statestore"
)

// DefaultBreakerKey and DefaultRateLimitKey are used by callers that don't
// need per-provider/per-model keying.
const (
	DefaultBreakerKey   = "default"
	DefaultRateLimitKey = "default"
)

// Core is the assembled Runtime Orchestration Core.
type Core struct {
	cfg *runtimeconfig.Config
	log *zap.Logger

	printThrottleStore *statestore.Store
	registryStore      *statestore.Store

	Gate        *ratelimit.Gate
	Breaker     *breaker.Breaker
	Retry       *retry.Engine
	Coordinator *coordinator.Coordinator
	Adaptive    *adaptive.Controller
	Scheduler   *scheduler.Scheduler
	Executor    *executor.Executor
	MCP         *mcp.Manager

	metrics *metrics
}

// Options configures New. RuntimeDir holds the cross-process JSON files;
// PromRegistry/Meter may be nil to skip metrics wiring (tests).
type Options struct {
	RuntimeDir   string
	Logger       *zap.Logger
	PromRegistry prometheus.Registerer
	Meter        metric.Meter
}

// New constructs every component and wires them along the runtime's data
// flow: the executor reserves through the scheduler (which consults the
// coordinator, adaptive controller and capacity engine), then calls the
// model through the retry engine (which consults the rate limit gate and
// circuit breaker).
func New(ctx context.Context, cfg *runtimeconfig.Config, opts Options) (*Core, error) {
	if cfg == nil {
		cfg = runtimeconfig.Default()
	}
	log := corelog.Named(opts.Logger, "runtimecore")

	if opts.RuntimeDir != "" {
		if err := os.MkdirAll(opts.RuntimeDir, 0o755); err != nil {
			return nil, err
		}
	}

	printThrottleStore := statestore.New(filepath.Join(opts.RuntimeDir, "print-throttle.json"))
	registryStore := statestore.New(filepath.Join(opts.RuntimeDir, "cross-instance-registry.json"))

	gate := ratelimit.New(ratelimit.Config{
		Window:           cfg.RateLimitWindow,
		FastFailThreshold: cfg.RateLimitFastFailThresh,
		DefaultCooldown:  cfg.RateLimitDefaultCooldown,
		Logger:           log,
	}, printThrottleStore)

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		CooldownMs:       cfg.BreakerCooldown,
	}, log)

	retryEngine := retry.New(gate, brk, log)

	coord := coordinator.New(registryStore,
		coordinator.WithLogger(log),
		coordinator.WithHeartbeatTimeout(cfg.HeartbeatTimeout),
	)

	adapt := adaptive.New(cfg.AdaptiveWindowSize, log)

	sched := scheduler.New(coord, adapt, scheduler.Config{
		BaseMaxRequests: cfg.MaxTotalRequests,
		BaseMaxLLM:      cfg.MaxTotalLLM,
		RecomputeEvery:  cfg.CoordinatorTick,
	}, scheduler.WithLogger(log))

	exec := executor.New(sched, retryEngine, adapt, log)

	mcpMgr := mcp.New(mcp.WithLogger(log), mcp.WithMaxConnections(cfg.MCPMaxConnections))

	core := &Core{
		cfg:                cfg,
		log:                log,
		printThrottleStore: printThrottleStore,
		registryStore:      registryStore,
		Gate:               gate,
		Breaker:            brk,
		Retry:              retryEngine,
		Coordinator:        coord,
		Adaptive:           adapt,
		Scheduler:          sched,
		Executor:           exec,
		MCP:                mcpMgr,
	}

	if err := sched.Start(ctx); err != nil {
		return nil, err
	}

	if opts.PromRegistry != nil && opts.Meter != nil {
		m, err := newMetrics(opts.PromRegistry, opts.Meter, core)
		if err != nil {
			return nil, err
		}
		core.metrics = m
		core.Scheduler.Subscribe(func(snap capacity.Snapshot) {
			m.sample(snap)
			m.adaptivePenalty.Set(adapt.Penalty(scheduler.DefaultAdaptiveKey))
			open := 0.0
			for _, st := range brk.GetStats() {
				if st.Key == DefaultBreakerKey && st.State == breaker.Open {
					open = 1
				}
			}
			m.breakerOpen.Set(open)
		})
	}

	return core, nil
}

// Shutdown stops the scheduler's background loop, deregisters from the
// coordinator, and disconnects every MCP connection. Every other failure
// keeps the core running; Shutdown itself is the one place that fully
// tears the process down, so it returns the first error encountered but
// still attempts every step.
func (c *Core) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := c.Scheduler.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.MCP.DisconnectAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ReloadLimits applies a new configuration's scheduler limits immediately,
// without restarting the scheduler's background recompute loop.
func (c *Core) ReloadLimits(ctx context.Context, cfg *runtimeconfig.Config) {
	c.cfg = cfg
	c.Scheduler.ReloadConfig(ctx, scheduler.Config{
		BaseMaxRequests: cfg.MaxTotalRequests,
		BaseMaxLLM:      cfg.MaxTotalLLM,
		RecomputeEvery:  cfg.CoordinatorTick,
	})
}
