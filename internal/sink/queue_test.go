package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func buildQueue(sizes []int) *queue {
	q := newQueue()
	for _, sz := range sizes {
		q.prepend(NewBuffer(make([]byte, sz), false, true, 0, false))
	}
	return q
}

func TestCountToMaxBuffersReturnsMaxDirectly(t *testing.T) {
	q := buildQueue([]int{10, 10, 10})
	assert.Equal(t, int64(2), q.countToMax(UnitBuffers, 2))
}

func TestCountToMaxBytesAccumulatesFromNewest(t *testing.T) {
	q := buildQueue([]int{100, 100, 100})
	// cumulative sizes at index 0,1,2 are 100,200,300; exceeds 150 at index 1
	assert.Equal(t, int64(2), q.countToMax(UnitBytes, 150))
}

func TestCountToMaxBytesNeverExceededReturnsLenPlusOne(t *testing.T) {
	q := buildQueue([]int{10, 10})
	assert.Equal(t, int64(3), q.countToMax(UnitBytes, 1000))
}

func TestTrimTailToReleasesOldestBuffers(t *testing.T) {
	q := buildQueue([]int{1, 2, 3, 4})
	q.trimTailTo(2)
	assert.Equal(t, 2, q.len())
}

func TestTrimTailToNegativeClampsToZero(t *testing.T) {
	q := buildQueue([]int{1, 2})
	q.trimTailTo(-5)
	assert.Equal(t, 0, q.len())
}

func TestTrimTailToPastLengthIsNoop(t *testing.T) {
	q := buildQueue([]int{1, 2})
	q.trimTailTo(50)
	assert.Equal(t, 2, q.len())
}

func TestFindLimitsBuffersMinNotYetSatisfied(t *testing.T) {
	q := buildQueue([]int{1})
	minIdx, maxIdx, satisfied := q.findLimits(unlimited, 5, unlimited, unlimited, unlimited, unlimited)
	assert.False(t, satisfied)
	assert.Equal(t, 0, minIdx)
	assert.Equal(t, 0, maxIdx)
}

func TestFindLimitsBuffersMinAndMaxSatisfied(t *testing.T) {
	q := buildQueue([]int{1, 1, 1, 1, 1})
	minIdx, maxIdx, satisfied := q.findLimits(unlimited, 2, unlimited, unlimited, 4, unlimited)
	assert.True(t, satisfied)
	assert.Equal(t, 1, minIdx) // buffersMin=2 satisfied at index 1 (i+1==2)
	assert.Equal(t, 4, maxIdx) // buffersMax=4 exceeded at index 4 (i+1==5>4)
}

func TestScanAscendingFindsFirstNonDeltaFromNewest(t *testing.T) {
	q := newQueue()
	q.prepend(NewBuffer([]byte("older-key"), false, false, 0, false))
	q.prepend(NewBuffer([]byte("delta"), false, true, 0, false))
	q.prepend(NewBuffer([]byte("newest-key"), false, false, 0, false))

	idx := q.scanAscending(0, q.len())
	assert.Equal(t, 0, idx)
}

func TestScanDescendingFindsHighestIndexedNonDelta(t *testing.T) {
	q := newQueue()
	q.prepend(NewBuffer([]byte("oldest-key"), false, false, 0, false))
	q.prepend(NewBuffer([]byte("delta"), false, true, 0, false))
	q.prepend(NewBuffer([]byte("newest-delta"), false, true, 0, false))

	idx := q.scanDescending(q.len() - 1)
	assert.Equal(t, 2, idx)
}

func TestScanAscendingReturnsMinusOneWhenAllDelta(t *testing.T) {
	q := buildQueue([]int{1, 1, 1})
	assert.Equal(t, -1, q.scanAscending(0, q.len()))
}
