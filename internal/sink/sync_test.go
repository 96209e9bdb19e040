package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newClientAt(pos int, method SyncMethod) *clientState {
	return &clientState{fd: 1, syncMethod: method, bufpos: pos}
}

func TestResolveStartIndexLatestReturnsCurrentPosition(t *testing.T) {
	q := buildQueue([]int{1, 1, 1})
	c := newClientAt(1, SyncLatest)
	assert.Equal(t, 1, resolveStartIndex(q, c))
}

func TestResolveStartIndexNextKeyframeWaitsWhenNoneAvailable(t *testing.T) {
	q := buildQueue([]int{1, 1, 1}) // all delta
	c := newClientAt(2, SyncNextKeyframe)
	assert.Equal(t, -1, resolveStartIndex(q, c))
	assert.Equal(t, -1, c.bufpos)
}

func TestResolveStartIndexNextKeyframeFindsOne(t *testing.T) {
	q := newQueue()
	q.prepend(NewBuffer([]byte("a"), false, true, 0, false))
	q.prepend(NewBuffer([]byte("key"), false, false, 0, false))
	q.prepend(NewBuffer([]byte("c"), false, true, 0, false))

	c := newClientAt(2, SyncNextKeyframe)
	assert.Equal(t, 1, resolveStartIndex(q, c))
}

func TestResolveStartIndexLatestKeyframeFallsBackToNextKeyframe(t *testing.T) {
	q := buildQueue([]int{1, 1, 1}) // no keyframe anywhere
	c := newClientAt(2, SyncLatestKeyframe)
	assert.Equal(t, -1, resolveStartIndex(q, c))
	assert.Equal(t, SyncNextKeyframe, c.syncMethod)
}

func TestResolveStartIndexBurstUsesFindLimitsWindow(t *testing.T) {
	q := buildQueue([]int{1, 1, 1, 1, 1})
	c := newClientAt(0, SyncBurst)
	c.burstMin = Limit{Unit: UnitBuffers, Value: 2}
	c.burstMax = Limit{Unit: UnitBuffers, Value: 4}

	idx := resolveStartIndex(q, c)
	assert.GreaterOrEqual(t, idx, 0)
	assert.Less(t, idx, q.len())
}

func TestLimitValueIgnoresMismatchedAxis(t *testing.T) {
	l := Limit{Unit: UnitBuffers, Value: 10}
	assert.Equal(t, int64(unlimited), limitValue(l, UnitBytes))
	assert.Equal(t, int64(10), limitValue(l, UnitBuffers))
}
