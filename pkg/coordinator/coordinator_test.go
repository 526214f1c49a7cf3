package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mekann2904/mekann-sub020/pkg/statestore"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	dir := t.TempDir()
	store := statestore.New(filepath.Join(dir, "registry.json"))
	return New(store, WithHeartbeatTimeout(time.Second))
}

func TestRegisterThenComputeFairShareSelf(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	token, err := c.Register(ctx)
	require.NoError(t, err)

	share, err := c.ComputeFairShare(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, share) // sole peer gets the whole cap

	_ = token
}

func TestScenarioS4TwoPeersSplitFive(t *testing.T) {
	dir := t.TempDir()
	store := statestore.New(filepath.Join(dir, "registry.json"))

	c1 := New(store, WithHeartbeatTimeout(time.Second))
	c2 := New(store, WithHeartbeatTimeout(time.Second))
	ctx := context.Background()

	_, err := c1.Register(ctx)
	require.NoError(t, err)
	_, err = c2.Register(ctx)
	require.NoError(t, err)

	require.NoError(t, c1.Heartbeat(ctx, Token{InstanceID: c1.selfID}, Metrics{PendingCount: 5}))
	require.NoError(t, c2.Heartbeat(ctx, Token{InstanceID: c2.selfID}, Metrics{PendingCount: 1}))

	s1, err := c1.ComputeFairShare(ctx, 5)
	require.NoError(t, err)
	s2, err := c2.ComputeFairShare(ctx, 5)
	require.NoError(t, err)

	assert.Equal(t, 5, s1+s2)
	assert.Contains(t, []int{2, 3}, s1)
	assert.Contains(t, []int{2, 3}, s2)
	assert.Equal(t, 3, s1) // busier peer (more pending) takes the extra share
}

func TestDeregisterRoundTripRestoresEmptyRegistry(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	token, err := c.Register(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Deregister(ctx, token))

	doc, err := statestore.ReadJSON[registryDoc](ctx, c.store)
	require.NoError(t, err)
	assert.Empty(t, doc.Instances)
}

func TestEvictStaleDropsDeadPID(t *testing.T) {
	peers := []InstanceInfo{
		{InstanceID: "a", PID: os.Getpid(), LastHeartbeatAt: time.Now()},
		{InstanceID: "b", PID: 999999999, LastHeartbeatAt: time.Now()},
	}
	live := evictStale(peers, time.Minute)
	require.Len(t, live, 1)
	assert.Equal(t, "a", live[0].InstanceID)
}

func TestFairShareSumEqualsTotal(t *testing.T) {
	peers := []InstanceInfo{
		{InstanceID: "a", PendingCount: 1},
		{InstanceID: "b", PendingCount: 2},
		{InstanceID: "c", PendingCount: 0},
	}
	total := 10
	sum := 0
	for _, p := range peers {
		sum += fairShareFor(peers, p.InstanceID, total)
	}
	assert.Equal(t, total, sum)
}
