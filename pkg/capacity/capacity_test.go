package capacity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mekann2904/mekann-sub020/pkg/rterrors"
)

func TestAdmissionSafetyNeverExceedsLimits(t *testing.T) {
	c := New(4, 2)
	var wg sync.WaitGroup
	var maxSeenReq, maxSeenLLM int32
	var curReq, curLLM int32

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1, TimeoutMs: 2 * time.Second})
			if err != nil {
				return
			}
			n := atomic.AddInt32(&curReq, 1)
			for {
				old := atomic.LoadInt32(&maxSeenReq)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeenReq, old, n) {
					break
				}
			}
			atomic.AddInt32(&curLLM, 1)
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&curReq, -1)
			atomic.AddInt32(&curLLM, -1)
			c.Release(lease)
		}()
	}
	wg.Wait()
	_ = maxSeenLLM
	assert.LessOrEqual(t, int(maxSeenReq), 4)
}

func TestNoDoubleRelease(t *testing.T) {
	c := New(2, 2)
	lease, err := c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1})
	require.NoError(t, err)

	c.Release(lease)
	snap1 := c.Snapshot()
	c.Release(lease)
	snap2 := c.Snapshot()

	assert.Equal(t, snap1.ActiveRequests, snap2.ActiveRequests)
	assert.Equal(t, 0, snap2.ActiveRequests)
}

func TestFIFOPerPriority(t *testing.T) {
	c := New(1, 1)
	first, err := c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1})
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1, Priority: 0, TimeoutMs: 2 * time.Second})
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			c.Release(lease)
		}(i)
		time.Sleep(10 * time.Millisecond) // stabilize enqueue order
	}

	time.Sleep(20 * time.Millisecond)
	c.Release(first)
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestScenarioS1TwoAtATime(t *testing.T) {
	c := New(4, 2)
	const n = 6
	var wg sync.WaitGroup
	var concurrent int32
	var maxConcurrent int32

	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1, TimeoutMs: 3 * time.Second})
			require.NoError(t, err)
			cur := atomic.AddInt32(&concurrent, 1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if cur <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, cur) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			c.Release(lease)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.Equal(t, int32(2), maxConcurrent)
	assert.GreaterOrEqual(t, elapsed, 140*time.Millisecond)
}

func TestReserveCancellationReleasesNothingToRelease(t *testing.T) {
	c := New(1, 1)
	_, err := c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = c.Reserve(ctx, Spec{Requests: 1, LLM: 1})
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindCancelled))

	snap := c.Snapshot()
	assert.Equal(t, 0, snap.PendingRequests)
}

func TestHeartbeatOnReleasedLeaseReturnsExpired(t *testing.T) {
	c := New(1, 1)
	lease, err := c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1})
	require.NoError(t, err)
	c.Release(lease)

	err = c.Heartbeat(lease)
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindExpired))
}

func TestExpiredLeaseIsForceReleasedAndQueueReprocessed(t *testing.T) {
	c := New(1, 1, WithLeaseTTL(20*time.Millisecond))
	_, err := c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	lease2, err := c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1, TimeoutMs: time.Second})
	require.NoError(t, err)
	assert.NotNil(t, lease2)
}

func TestSweepEvictsExpiredLeaseWithoutAnyHeartbeatOrReserveCall(t *testing.T) {
	c := New(1, 1, WithLeaseTTL(20*time.Millisecond))
	lease, err := c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	// No further Reserve/Heartbeat call happens; only the periodic sweep
	// a caller like the scheduler's recompute tick would drive.
	c.Sweep()

	snap := c.Snapshot()
	assert.Equal(t, 0, snap.ActiveRequests)

	err = c.Heartbeat(lease)
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindExpired))
}

func TestSweepFailsPendingEntryPastTTLWithoutAnyOtherCall(t *testing.T) {
	c := New(1, 1, WithPendingTTL(20*time.Millisecond))
	_, err := c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1})
		errCh <- err
	}()

	time.Sleep(40 * time.Millisecond)
	c.Sweep()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, rterrors.IsKind(err, rterrors.KindQueueTimeout))
	case <-time.After(time.Second):
		t.Fatal("sweep did not fail the pending reservation")
	}
}

func TestQueueTimeout(t *testing.T) {
	c := New(1, 1)
	_, err := c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1})
	require.NoError(t, err)

	_, err = c.Reserve(context.Background(), Spec{Requests: 1, LLM: 1, TimeoutMs: 30 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindQueueTimeout))
}
