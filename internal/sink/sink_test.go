package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(opts Options) (*Sink, *fakePollSet) {
	poll := newFakePollSet()
	s := New(opts, Notifier{}, poll)
	return s, poll
}

func TestAddFullRejectsInvertedBurstLimits(t *testing.T) {
	s, _ := newTestSink(DefaultOptions())
	err := s.AddFull(3, SyncBurst,
		Limit{Unit: UnitBuffers, Value: 10},
		Limit{Unit: UnitBuffers, Value: 5},
		true)
	assert.ErrorIs(t, err, ErrInvalidBurstLimits)
	assert.Equal(t, 0, s.NumClients())
}

func TestAddFullDuplicateFDReportsDuplicateAndKeepsExisting(t *testing.T) {
	var removedStatus Status
	poll := newFakePollSet()
	s := New(DefaultOptions(), Notifier{
		ClientRemoved: func(fd int, status Status) { removedStatus = status },
	}, poll)

	require.NoError(t, s.Add(7, true))
	require.NoError(t, s.Add(7, true))

	assert.Equal(t, StatusDuplicate, removedStatus)
	assert.Equal(t, 1, s.NumClients())
}

func TestAddRegistersReadInterestFromOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.HandleRead = true
	s, poll := newTestSink(opts)
	require.NoError(t, s.Add(5, true))

	poll.mu.Lock()
	in := poll.readyFor[5]
	poll.mu.Unlock()
	require.NotNil(t, in)
	assert.True(t, in.read)
	assert.False(t, in.write)
}

func TestRemoveUnknownClientErrors(t *testing.T) {
	s, _ := newTestSink(DefaultOptions())
	err := s.Remove(99)
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestRemoveDropsClientImmediately(t *testing.T) {
	s, _ := newTestSink(DefaultOptions())
	require.NoError(t, s.Add(4, true))
	require.NoError(t, s.Remove(4))
	assert.Equal(t, 0, s.NumClients())
}

func TestRemoveFlushMarksFlushingWithoutDroppingYet(t *testing.T) {
	s, _ := newTestSink(DefaultOptions())
	require.NoError(t, s.Add(4, true))

	require.NoError(t, s.RemoveFlush(4))
	assert.Equal(t, 1, s.NumClients(), "client must stay registered until its sending queue drains")
}

func TestClearRemovesEveryClient(t *testing.T) {
	s, _ := newTestSink(DefaultOptions())
	require.NoError(t, s.Add(1, true))
	require.NoError(t, s.Add(2, true))
	require.NoError(t, s.Add(3, true))

	s.Clear()
	assert.Equal(t, 0, s.NumClients())
}

func TestGetStatsUnknownClient(t *testing.T) {
	s, _ := newTestSink(DefaultOptions())
	_, ok := s.GetStats(123)
	assert.False(t, ok)
}

func TestRenderQueuesDeltaBuffersAndAdvancesClientPositions(t *testing.T) {
	s, poll := newTestSink(DefaultOptions())
	require.NoError(t, s.Add(1, true))

	s.Render([]byte("frame-1"), false, true, 0, false)

	assert.Equal(t, int64(1), s.Stats().BuffersQueued)
	assert.True(t, poll.writeInterest(1), "first buffer must arm write interest for a brand-new client")
	assert.Equal(t, 1, poll.wakeCount)
}

func TestRenderHeaderBuffersDoNotEnterTheDataQueue(t *testing.T) {
	s, _ := newTestSink(DefaultOptions())
	s.Render([]byte("caps"), true, false, 0, false)

	assert.Equal(t, int64(0), s.Stats().BuffersQueued, "header buffers must not count as queued data")
}

func TestRenderEvictsClientPastHardMax(t *testing.T) {
	opts := DefaultOptions()
	opts.UnitType = UnitBuffers
	opts.UnitsMax = 2

	var removedFD int
	var removedStatus Status
	poll := newFakePollSet()
	s := New(opts, Notifier{
		ClientRemoved: func(fd int, status Status) { removedFD, removedStatus = fd, status },
	}, poll)
	require.NoError(t, s.Add(9, true))

	for i := 0; i < 3; i++ {
		s.Render([]byte("x"), false, true, 0, false)
	}

	assert.Equal(t, 9, removedFD)
	assert.Equal(t, StatusSlow, removedStatus)
	assert.Equal(t, 0, s.NumClients())
}

func TestStopPrePutsPollSetIntoFlushingMode(t *testing.T) {
	s, poll := newTestSink(DefaultOptions())
	s.StopPre()
	poll.mu.Lock()
	defer poll.mu.Unlock()
	assert.True(t, poll.flushing)
}

func TestStartStopPostLifecycle(t *testing.T) {
	s, poll := newTestSink(DefaultOptions())
	s.Start()
	s.StopPre()
	s.StopPost()

	poll.mu.Lock()
	defer poll.mu.Unlock()
	assert.True(t, poll.closed)
}
