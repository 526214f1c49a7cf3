// Package coordinator implements the Cross-Instance Coordinator:
// discovery of peer instances of the same tool on the local machine via
// the Shared State Store, and computation of a fair per-instance LLM
// concurrency share. Grounded on the ag-ui SDK's transport.TransportManager
// registry pattern (pkg/transport/interfaces_manager.go) for the
// register/lookup/evict shape, persisted through statestore instead of an
// in-memory map since peers are separate OS processes.
package coordinator

import (
	"context"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Mekann2904/mekann-sub020/internal/corelog"
	"github.com/Mekann2904/mekann-sub020/pkg/rterrors"
	"github.com/Mekann2904/mekann-sub020/pkg/statestore"
)

// InstanceInfo is one peer's record in the shared instance registry.
type InstanceInfo struct {
	InstanceID      string    `json:"instanceId"`
	PID             int       `json:"pid"`
	Cwd             string    `json:"cwd"`
	StartedAt       time.Time `json:"startedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	ActiveModels    []string  `json:"activeModels"`
	ActiveRequests  int       `json:"activeRequests"`
	ActiveLLM       int       `json:"activeLlm"`
	PendingCount    int       `json:"pendingCount"`
	AvgLatencyMs    float64   `json:"avgLatencyMs"`
}

type registryDoc struct {
	Version   int            `json:"version"`
	Instances []InstanceInfo `json:"instances"`
	UpdatedAt int64          `json:"updatedAt"`
}

// Metrics is what a running instance reports on heartbeat.
type Metrics struct {
	ActiveModels   []string
	ActiveRequests int
	ActiveLLM      int
	PendingCount   int
	AvgLatencyMs   float64
}

// Token identifies this process's registration so later calls can address
// its own record without re-deriving the instance id.
type Token struct {
	InstanceID string
}

// Coordinator manages registration and fair-share computation over a
// shared registry file.
type Coordinator struct {
	store            *statestore.Store
	heartbeatTimeout time.Duration
	log              *zap.Logger
	sf               singleflight.Group

	mu          sync.Mutex
	selfID      string
	selfCwd     string
	registeredAt time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = corelog.Named(l, "coordinator") }
}
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.heartbeatTimeout = d }
}

// New creates a Coordinator backed by store (typically rooted at
// <runtime>/cross-instance-registry.json).
func New(store *statestore.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:            store,
		heartbeatTimeout: 15 * time.Second,
		log:              corelog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register writes this instance's record to the shared registry.
func (c *Coordinator) Register(ctx context.Context) (Token, error) {
	cwd, _ := os.Getwd()
	id := uuid.NewString()
	now := time.Now()

	_, err := statestore.MutateJSON(ctx, c.store, func(doc *registryDoc) error {
		doc.Version = 1
		doc.Instances = evictStale(doc.Instances, c.heartbeatTimeout)
		doc.Instances = append(doc.Instances, InstanceInfo{
			InstanceID:      id,
			PID:             os.Getpid(),
			Cwd:             cwd,
			StartedAt:       now,
			LastHeartbeatAt: now,
		})
		doc.UpdatedAt = now.UnixMilli()
		return nil
	})
	if err != nil {
		return Token{}, err
	}

	c.mu.Lock()
	c.selfID, c.selfCwd, c.registeredAt = id, cwd, now
	c.mu.Unlock()

	return Token{InstanceID: id}, nil
}

// Heartbeat updates this instance's liveness and usage metrics.
func (c *Coordinator) Heartbeat(ctx context.Context, token Token, m Metrics) error {
	_, err := statestore.MutateJSON(ctx, c.store, func(doc *registryDoc) error {
		doc.Instances = evictStale(doc.Instances, c.heartbeatTimeout)
		for i := range doc.Instances {
			if doc.Instances[i].InstanceID == token.InstanceID {
				doc.Instances[i].LastHeartbeatAt = time.Now()
				doc.Instances[i].ActiveModels = m.ActiveModels
				doc.Instances[i].ActiveRequests = m.ActiveRequests
				doc.Instances[i].ActiveLLM = m.ActiveLLM
				doc.Instances[i].PendingCount = m.PendingCount
				doc.Instances[i].AvgLatencyMs = m.AvgLatencyMs
				doc.UpdatedAt = time.Now().UnixMilli()
				return nil
			}
		}
		return rterrors.New(rterrors.KindNotFound, "instance not registered")
	})
	return err
}

// Deregister removes this instance's record. Safe to call best-effort on
// process exit; a missing record is not an error.
func (c *Coordinator) Deregister(ctx context.Context, token Token) error {
	_, err := statestore.MutateJSON(ctx, c.store, func(doc *registryDoc) error {
		out := doc.Instances[:0]
		for _, inst := range doc.Instances {
			if inst.InstanceID != token.InstanceID {
				out = append(out, inst)
			}
		}
		doc.Instances = out
		doc.UpdatedAt = time.Now().UnixMilli()
		return nil
	})
	return err
}

// evictStale drops instances whose heartbeat is older than timeout or
// whose PID is no longer alive.
func evictStale(instances []InstanceInfo, timeout time.Duration) []InstanceInfo {
	now := time.Now()
	out := instances[:0]
	for _, inst := range instances {
		if now.Sub(inst.LastHeartbeatAt) > timeout {
			continue
		}
		if !pidAlive(inst.PID) {
			continue
		}
		out = append(out, inst)
	}
	return out
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ComputeFairShare reads the registry, evicts stale/dead peers, then
// assigns this instance a share of totalMaxLLM. Concurrent callers
// triggered by the same registry-change collapse onto one read+compute
// via singleflight.
func (c *Coordinator) ComputeFairShare(ctx context.Context, totalMaxLLM int) (int, error) {
	v, err, _ := c.sf.Do("fair-share", func() (interface{}, error) {
		raw, err := statestore.ReadJSON[registryDoc](ctx, c.store)
		if err != nil {
			return 0, err
		}
		peers := evictStale(raw.Instances, c.heartbeatTimeout)

		c.mu.Lock()
		selfID := c.selfID
		c.mu.Unlock()

		return fairShareFor(peers, selfID, totalMaxLLM), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// fairShareFor computes one instance's share: base floor(total/n) with a
// floor of 1, remainder redistributed by pendingCount then avgLatencyMs
// (busier gets more), ties broken by older startedAt, capped at total, sum
// exactly equal to total (absorbed at the busiest instance).
func fairShareFor(peers []InstanceInfo, selfID string, totalMaxLLM int) int {
	n := len(peers)
	if n == 0 {
		return totalMaxLLM
	}

	base := totalMaxLLM / n
	if base < 1 {
		base = 1
	}
	shares := make(map[string]int, n)
	for _, p := range peers {
		shares[p.InstanceID] = base
	}

	allocated := base * n
	remainder := totalMaxLLM - allocated
	if remainder < 0 {
		remainder = 0
	}

	ranked := make([]InstanceInfo, len(peers))
	copy(ranked, peers)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].PendingCount != ranked[j].PendingCount {
			return ranked[i].PendingCount > ranked[j].PendingCount
		}
		if ranked[i].AvgLatencyMs != ranked[j].AvgLatencyMs {
			return ranked[i].AvgLatencyMs > ranked[j].AvgLatencyMs
		}
		return ranked[i].StartedAt.Before(ranked[j].StartedAt)
	})

	for i := 0; i < remainder && i < len(ranked); i++ {
		shares[ranked[i].InstanceID]++
	}

	// Cap at total and absorb any leftover rounding at the busiest instance.
	sum := 0
	for _, s := range shares {
		sum += s
	}
	if sum != totalMaxLLM && len(ranked) > 0 {
		shares[ranked[0].InstanceID] += totalMaxLLM - sum
	}
	for id, s := range shares {
		if s > totalMaxLLM {
			shares[id] = totalMaxLLM
		}
	}

	if s, ok := shares[selfID]; ok {
		return s
	}
	// Self not found in the registry snapshot (e.g. called before
	// Register completes its own write-back); fall back to base share.
	return base
}
