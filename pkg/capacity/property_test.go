package capacity

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestPropertyAdmissionNeverExceedsLimits checks, via rapid, that for any
// interleaving of reserve/release sequences, activeRequests/activeLLM
// never exceed the configured maxima.
func TestPropertyAdmissionNeverExceedsLimits(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxReq := rapid.IntRange(1, 5).Draw(rt, "maxReq")
		maxLLM := rapid.IntRange(1, 5).Draw(rt, "maxLLM")
		c := New(maxReq, maxLLM)

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 20).Draw(rt, "ops")
		var held []*Lease

		for _, op := range ops {
			switch op {
			case 0: // reserve
				ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
				lease, err := c.Reserve(ctx, Spec{Requests: 1, LLM: 1})
				cancel()
				if err == nil {
					held = append(held, lease)
				}
			case 1: // release one
				if len(held) > 0 {
					c.Release(held[0])
					held = held[1:]
				}
			case 2: // snapshot invariant check
				snap := c.Snapshot()
				if snap.ActiveRequests > snap.MaxTotalActiveRequests {
					rt.Fatalf("activeRequests %d > max %d", snap.ActiveRequests, snap.MaxTotalActiveRequests)
				}
				if snap.ActiveLLM > snap.MaxTotalActiveLLM {
					rt.Fatalf("activeLLM %d > max %d", snap.ActiveLLM, snap.MaxTotalActiveLLM)
				}
			}
		}

		for _, l := range held {
			c.Release(l)
		}
	})
}
