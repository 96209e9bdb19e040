package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyRecoverPolicyNoneLeavesPositionUnchanged(t *testing.T) {
	q := buildQueue([]int{1, 1, 1, 1, 1})
	got := applyRecoverPolicy(q, RecoverNone, 2, 4)
	assert.Equal(t, 4, got)
}

func TestApplyRecoverPolicyResyncLatestJumpsToNewest(t *testing.T) {
	q := buildQueue([]int{1, 1, 1, 1, 1})
	got := applyRecoverPolicy(q, RecoverResyncLatest, 2, 4)
	assert.Equal(t, -1, got)
}

func TestApplyRecoverPolicyResyncSoftLimitJumpsToSoftMax(t *testing.T) {
	q := buildQueue([]int{1, 1, 1, 1, 1})
	got := applyRecoverPolicy(q, RecoverResyncSoftLimit, 2, 4)
	assert.Equal(t, 2, got)
}

func TestApplyRecoverPolicyResyncKeyframeFindsNearestKeyframe(t *testing.T) {
	q := newQueue()
	q.prepend(NewBuffer([]byte("a"), false, true, 0, false))  // oldest, delta
	q.prepend(NewBuffer([]byte("b"), false, false, 0, false)) // keyframe, index 2 after all prepends
	q.prepend(NewBuffer([]byte("c"), false, true, 0, false))
	q.prepend(NewBuffer([]byte("d"), false, true, 0, false)) // newest

	got := applyRecoverPolicy(q, RecoverResyncKeyframe, 3, 10)
	assert.Equal(t, 2, got, "nearest keyframe at or before the soft-max window")
}

func TestApplyRecoverPolicyResyncKeyframeFallsBackToSoftMax(t *testing.T) {
	q := buildQueue([]int{1, 1, 1, 1}) // all delta buffers, no keyframe anywhere
	got := applyRecoverPolicy(q, RecoverResyncKeyframe, 2, 10)
	assert.Equal(t, 2, got)
}
