package sink

// Unit selects which axis a limit (units_max, units_soft_max, burst
// bounds, the queue floor) is measured in.
type Unit int

const (
	UnitUndefined Unit = iota
	UnitBuffers
	UnitBytes
	UnitTime
)

// unlimited is the sentinel meaning "no limit on this axis", matching
// the spec's -1 convention throughout.
const unlimited = -1

// queue is the bounded, newest-first ring of inbound buffers (§3,
// §4.A). Index 0 is always the most recently prepended buffer.
// Callers external to this file always hold the sink's clients lock
// while touching a queue; it has no locking of its own.
type queue struct {
	bufs          []*Buffer // bufs[0] is newest
	bytesServed   int64
	buffersQueued int64
}

func newQueue() *queue {
	return &queue{}
}

// prepend inserts buf as the new index 0, taking ownership of the
// caller's reference.
func (q *queue) prepend(buf *Buffer) {
	q.bufs = append(q.bufs, nil)
	copy(q.bufs[1:], q.bufs)
	q.bufs[0] = buf
	q.buffersQueued++
}

// at returns the buffer at virtual index i. Callers must ensure
// 0 <= i < len().
func (q *queue) at(i int) *Buffer {
	return q.bufs[i]
}

func (q *queue) len() int {
	return len(q.bufs)
}

// trimTailTo releases every buffer whose index is >= n from the tail
// of the queue (the oldest end), dropping the reference the queue
// itself held.
func (q *queue) trimTailTo(n int) {
	if n < 0 {
		n = 0
	}
	if n >= len(q.bufs) {
		return
	}
	for i := n; i < len(q.bufs); i++ {
		q.bufs[i].Unref()
		q.bufs[i] = nil
	}
	q.bufs = q.bufs[:n]
}

// countToMax returns the smallest index i such that buffers [0..=i]
// exceed max, interpreted in unit. Per §4.A:
//   - Buffers: returns max directly.
//   - Bytes: accumulates sizes from 0 upward; returns i+1 at the first
//     index whose cumulative size exceeds max; len()+1 if never exceeded.
//   - Time: first = ts(buf[0]); returns i+1 at the first index whose
//     distance from first exceeds max; len()+1 if never exceeded.
//
// max == -1 means "no limit"; callers check that before calling.
func (q *queue) countToMax(unit Unit, max int64) int64 {
	switch unit {
	case UnitBuffers:
		return max
	case UnitBytes:
		var acc int64
		for i := 0; i < q.len(); i++ {
			acc += int64(q.at(i).Size())
			if acc > max {
				return int64(i) + 1
			}
		}
		return int64(q.len()) + 1
	case UnitTime:
		if q.len() == 0 {
			return int64(q.len()) + 1
		}
		first, firstOK := q.at(0).Timestamp, q.at(0).HasTS
		if !firstOK {
			return int64(q.len()) + 1
		}
		for i := 1; i < q.len(); i++ {
			b := q.at(i)
			if !b.HasTS {
				continue
			}
			if first-b.Timestamp > max {
				return int64(i) + 1
			}
		}
		return int64(q.len()) + 1
	default:
		return unlimited
	}
}

// findLimits walks the queue once and returns (minIdx, maxIdx,
// satisfied) per §4.A. A limit value of -1 on any axis means "any",
// already satisfied for the min side and never exceeded for the max
// side.
func (q *queue) findLimits(bytesMin, buffersMin, timeMin, bytesMax, buffersMax, timeMax int64) (minIdx, maxIdx int, satisfied bool) {
	n := q.len()
	if buffersMin != unlimited && buffersMin > int64(n) {
		return n - 1, n - 1, false
	}

	var accBytes int64
	var first int64
	haveFirst := false
	if n > 0 {
		first, haveFirst = q.at(0).Timestamp, q.at(0).HasTS
	}

	bytesMinSatisfied := bytesMin == unlimited
	buffersMinSatisfied := buffersMin == unlimited
	timeMinSatisfied := timeMin == unlimited

	minIdx = -1
	maxIdx = -1
	anyMaxHit := false

	for i := 0; i < n; i++ {
		b := q.at(i)
		accBytes += int64(b.Size())

		if !bytesMinSatisfied && bytesMin != unlimited && accBytes >= bytesMin {
			bytesMinSatisfied = true
		}
		if !buffersMinSatisfied && buffersMin != unlimited && int64(i+1) >= buffersMin {
			buffersMinSatisfied = true
		}
		if !timeMinSatisfied && timeMin != unlimited && haveFirst && b.HasTS && first-b.Timestamp >= timeMin {
			timeMinSatisfied = true
		}
		if minIdx == -1 && bytesMinSatisfied && buffersMinSatisfied && timeMinSatisfied {
			minIdx = i
		}

		if maxIdx == -1 {
			if bytesMax != unlimited && accBytes > bytesMax {
				maxIdx = i
				anyMaxHit = true
			} else if buffersMax != unlimited && int64(i+1) > buffersMax {
				maxIdx = i
				anyMaxHit = true
			} else if timeMax != unlimited && haveFirst && b.HasTS && first-b.Timestamp > timeMax {
				maxIdx = i
				anyMaxHit = true
			}
		}
	}

	if maxIdx == -1 {
		maxIdx = n - 1
	}
	if minIdx == -1 {
		minIdx = maxIdx
	}
	if minIdx < 0 {
		minIdx = 0
	}

	satisfied = bytesMinSatisfied && buffersMinSatisfied && timeMinSatisfied && anyMaxHit
	return minIdx, maxIdx, satisfied
}

// scanAscending scans indices [from, toExclusive) in increasing order
// -- i.e. newest-to-oldest, since index 0 is newest -- and returns the
// first (lowest-indexed, most recent) non-delta buffer found, or -1.
func (q *queue) scanAscending(from, toExclusive int) int {
	if toExclusive > q.len() {
		toExclusive = q.len()
	}
	for i := from; i < toExclusive; i++ {
		if !q.at(i).IsDelta {
			return i
		}
	}
	return -1
}

// scanDescending scans indices [from, 0] in decreasing order -- i.e.
// oldest-to-newest -- and returns the first (highest-indexed) non-delta
// buffer found, or -1.
func (q *queue) scanDescending(from int) int {
	if from >= q.len() {
		from = q.len() - 1
	}
	for i := from; i >= 0; i-- {
		if !q.at(i).IsDelta {
			return i
		}
	}
	return -1
}
