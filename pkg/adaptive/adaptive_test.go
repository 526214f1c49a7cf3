package adaptive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFreshKeyStartsAtFullPenalty(t *testing.T) {
	c := New(10, nil)
	assert.Equal(t, 1.0, c.Penalty("gpt-5"))
}

func TestHighErrorRateDropsPenaltyToFloor(t *testing.T) {
	c := New(10, nil)
	for i := 0; i < 10; i++ {
		c.RecordOutcome("gpt-5", Error)
	}
	assert.Equal(t, 0.25, c.Penalty("gpt-5"))
}

func TestModerateErrorRateScalesPenaltyLinearly(t *testing.T) {
	c := New(10, nil)
	// 3 errors out of 10 -> e=0.3, penalty = 1-2*0.3 = 0.4
	for i := 0; i < 3; i++ {
		c.RecordOutcome("k", Error)
	}
	for i := 0; i < 7; i++ {
		c.RecordOutcome("k", Success)
	}
	assert.InDelta(t, 0.4, c.Penalty("k"), 0.01)
}

func TestTenPercentErrorRateIsNotFullPenalty(t *testing.T) {
	c := New(10, nil)
	c.RecordOutcome("k", Error)
	for i := 0; i < 9; i++ {
		c.RecordOutcome("k", Success)
	}
	// e = 1/10 = 0.1, not < 0.1, so falls to the scaled branch: 1-2*0.1=0.8
	assert.InDelta(t, 0.8, c.Penalty("k"), 0.01)
}

func TestPenaltyRecoversGraduallyOnSustainedSuccess(t *testing.T) {
	c := New(10, nil)
	for i := 0; i < 5; i++ {
		c.RecordOutcome("k", Error)
	}
	for i := 0; i < 5; i++ {
		c.RecordOutcome("k", Success)
	}
	depressed := c.Penalty("k")
	assert.Less(t, depressed, 1.0)

	for i := 0; i < 5; i++ {
		c.RecordOutcome("k", Success)
	}
	recovered := c.Penalty("k")
	assert.Greater(t, recovered, depressed)
}

func TestApplyFloorsAtOne(t *testing.T) {
	c := New(10, nil)
	for i := 0; i < 10; i++ {
		c.RecordOutcome("k", Error)
	}
	assert.Equal(t, 1, c.Apply("k", 2))
}

func TestKeysAreIndependent(t *testing.T) {
	c := New(10, nil)
	for i := 0; i < 10; i++ {
		c.RecordOutcome("bad", Error)
	}
	assert.Equal(t, 0.25, c.Penalty("bad"))
	assert.Equal(t, 1.0, c.Penalty("good"))
}
