package sink

// resolveStartIndex implements §4.C. Called at most once per client,
// the first time the I/O loop tries to serve it. Returns the index to
// start at, or -1 meaning "still waiting".
func resolveStartIndex(q *queue, c *clientState) int {
	switch c.syncMethod {
	case SyncLatest:
		return c.bufpos

	case SyncNextKeyframe:
		idx := q.scanAscending(0, c.bufpos+1)
		if idx == -1 {
			c.bufpos = -1
			return -1
		}
		return idx

	case SyncLatestKeyframe:
		idx := q.scanAscending(0, q.len())
		if idx != -1 {
			return idx
		}
		c.syncMethod = SyncNextKeyframe
		c.bufpos = -1
		return -1

	case SyncBurst:
		minIdx, maxIdx, _ := q.findLimits(
			limitValue(c.burstMin, UnitBytes), limitValue(c.burstMin, UnitBuffers), limitValue(c.burstMin, UnitTime),
			limitValue(c.burstMax, UnitBytes), limitValue(c.burstMax, UnitBuffers), limitValue(c.burstMax, UnitTime),
		)
		if maxIdx <= minIdx {
			return max(maxIdx-1, 0)
		}
		return minIdx

	case SyncBurstKeyframe:
		minIdx, maxIdx, _ := q.findLimits(
			limitValue(c.burstMin, UnitBytes), limitValue(c.burstMin, UnitBuffers), limitValue(c.burstMin, UnitTime),
			limitValue(c.burstMax, UnitBytes), limitValue(c.burstMax, UnitBuffers), limitValue(c.burstMax, UnitTime),
		)
		if next := q.scanAscending(minIdx, q.len()); next != -1 && next < maxIdx {
			return next
		}
		if prev := q.scanDescending(minIdx); prev != -1 {
			return prev
		}
		c.syncMethod = SyncNextKeyframe
		c.bufpos = -1
		return -1

	case SyncBurstWithKeyframe:
		minIdx, maxIdx, _ := q.findLimits(
			limitValue(c.burstMin, UnitBytes), limitValue(c.burstMin, UnitBuffers), limitValue(c.burstMin, UnitTime),
			limitValue(c.burstMax, UnitBytes), limitValue(c.burstMax, UnitBuffers), limitValue(c.burstMax, UnitTime),
		)
		if idx := q.scanAscending(minIdx, maxIdx); idx != -1 {
			return idx
		}
		return min(minIdx, max(maxIdx-1, 0))

	default:
		return -1
	}
}

// limitValue extracts the axis-specific limit value for a mixed-unit
// burst_min/burst_max pair: only the axis matching `unit` carries a
// real value, every other axis is "any" (-1). This mirrors the source
// behavior documented in SPEC_FULL.md's "Burst policy corner case":
// a Buffers-axis limit does not also constrain the Bytes/Time axes.
func limitValue(l Limit, unit Unit) int64 {
	if l.Unit != unit {
		return unlimited
	}
	return l.Value
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
