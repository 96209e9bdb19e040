package sink

import (
	"errors"
	"time"
)

// Sentinel errors PollSet.Wait returns to signal the poll-wait branches
// enumerated in §4.E. A real implementation (internal/platform's
// epoll-backed one) maps kernel errno values onto these; a fake one
// used in tests can return them directly.
var (
	// ErrPollInterrupted corresponds to EINTR: a signal interrupted the
	// wait: retry.
	ErrPollInterrupted = errors.New("sink: poll wait interrupted")

	// ErrPollBusy corresponds to EBUSY: the poll set was put into
	// flushing mode (shutdown in progress): the loop should return.
	ErrPollBusy = errors.New("sink: poll set flushing")

	// ErrPollBadFD corresponds to EBADF: at least one registered
	// descriptor is no longer valid. The caller must probe every
	// client fd and evict the ones that fail.
	ErrPollBadFD = errors.New("sink: bad file descriptor in poll set")
)

// PollEvent describes one descriptor's readiness after a Wait call.
type PollEvent struct {
	FD       int
	Readable bool
	Writable bool
	Closed   bool // HUP: treated identically to "readable with 0 bytes"
	Error    bool
}

// PollSet abstracts the single, concurrency-safe poll set
// the I/O Loop owns (§4.E, §5). The core never opens, closes, or dials
// a descriptor through this interface -- it only registers interest in
// descriptors the host has already handed it via add()/add_full().
type PollSet interface {
	// Add registers fd for read and/or write readiness.
	Add(fd int, readInterest, writeInterest bool) error

	// ModifyWrite enables or disables write-readiness notifications
	// for fd without touching its read interest.
	ModifyWrite(fd int, writeInterest bool) error

	// ModifyRead enables or disables read-readiness notifications for
	// fd without touching its write interest.
	ModifyRead(fd int, readInterest bool) error

	// Remove deregisters fd. It must not close fd -- the core never
	// owns descriptors (§1, §5).
	Remove(fd int) error

	// Wait blocks up to timeout (or indefinitely if timeout <= 0) and
	// returns the set of ready descriptors, or one of the sentinel
	// errors above.
	Wait(timeout time.Duration) ([]PollEvent, error)

	// SetFlushing puts the set into a mode where any in-progress or
	// future Wait returns ErrPollBusy, used during shutdown (§5's
	// stop_pre).
	SetFlushing(flushing bool)

	// Wake nudges a blocked Wait call without otherwise changing the
	// set's state, so the I/O loop reacts promptly to write-interest
	// changes made by Render (§4.E producer path, steps 5 and 9). Distinct from SetFlushing,
	// which is shutdown-only and sticky; Wake is a one-shot nudge a
	// producer calls on every render that flips a client's write
	// interest on.
	Wake() error

	// Close releases resources owned by the poll set itself (e.g. the
	// epoll fd and any wake-up pipe). It still never touches client
	// descriptors.
	Close() error
}
