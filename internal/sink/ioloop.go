package sink

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

const readScratchSize = 512

// Render is the producer path (§4.E's "Producer path"). It is the only
// entry point the upstream producer thread ever calls; everything it
// does happens under the clients lock.
func (s *Sink) Render(payload []byte, isHeader, isDelta bool, ts int64, hasTS bool) {
	buf := NewBuffer(payload, isHeader, isDelta, ts, hasTS)

	s.mu.Lock()

	if isHeader && !s.lastBufferWasHeader {
		s.headers.clear()
	}
	if isHeader {
		s.headers.append(buf)
		s.lastBufferWasHeader = true
		s.mu.Unlock()
		return
	}
	s.lastBufferWasHeader = false

	s.q.prepend(buf)

	maxBuffers := s.countToMaxFor(s.opts.UnitType, s.opts.UnitsMax)
	softMaxBuffers := s.countToMaxFor(s.opts.UnitType, s.opts.UnitsSoftMax)

	needSignal := false
	var toEvict []*clientState

	for _, c := range s.clients.snapshotCopy() {
		if c.status != StatusOK && c.status != StatusFlushing {
			continue
		}

		c.bufpos++

		if softMaxBuffers != unlimited && int64(c.bufpos) >= softMaxBuffers {
			oldPos := c.bufpos
			newPos := applyRecoverPolicy(s.q, s.opts.RecoverPolicy, softMaxBuffers, oldPos)
			if newPos != oldPos {
				c.stats.DroppedBuffers += int64(oldPos - newPos)
				c.discont = true
				c.bufpos = newPos
			}
		}

		timedOut := s.opts.Timeout > 0 && time.Since(c.lastActivity) > s.opts.Timeout
		if (maxBuffers != unlimited && int64(c.bufpos) >= maxBuffers) || timedOut {
			c.status = StatusSlow
			c.bufpos = -1
			toEvict = append(toEvict, c)
			continue
		}

		if c.bufpos == 0 || c.newConnection {
			if !c.pollWriteInterest {
				_ = s.poll.ModifyWrite(c.fd, true)
				c.pollWriteInterest = true
			}
			needSignal = true
		}
	}

	maxUsage := s.maxBufferUsage(softMaxBuffers)
	s.q.trimTailTo(maxUsage)

	for _, c := range toEvict {
		s.removeClientLink(c)
	}

	s.mu.Unlock()

	if needSignal {
		_ = s.poll.Wake()
	}
}

// countToMaxFor resolves a (unit_type, value) configuration pair into
// an absolute queue index via queue.countToMax, short-circuiting the
// "disabled" sentinel.
func (s *Sink) countToMaxFor(unit Unit, value int64) int64 {
	if value == unlimited {
		return unlimited
	}
	return s.q.countToMax(unit, value)
}

// maxBufferUsage computes the trim floor per §4.E step 6, as the number
// of buffers trimTailTo must keep: one past every live client's bufpos,
// the queue-floor min_idx + 1, and (for keyframe-biased default sync
// methods) one past the nearest sync frame within the soft-max window.
func (s *Sink) maxBufferUsage(softMaxBuffers int64) int {
	usage := -1
	for _, c := range s.clients.ordered {
		if c.status == StatusOK || c.status == StatusFlushing {
			if c.bufpos+1 > usage {
				usage = c.bufpos + 1
			}
		}
	}

	bytesMin, buffersMin, timeMin := s.opts.BytesMin, s.opts.BuffersMin, s.opts.TimeMin
	minIdx, _, _ := s.q.findLimits(bytesMin, buffersMin, timeMin, unlimited, unlimited, unlimited)
	if floor := minIdx + 1; floor > usage {
		usage = floor
	}

	if s.opts.DefaultSyncMethod == SyncLatestKeyframe || s.opts.DefaultSyncMethod == SyncBurstKeyframe {
		limit := s.q.len()
		if softMaxBuffers != unlimited && int(softMaxBuffers) < limit {
			limit = int(softMaxBuffers)
		}
		if idx := s.q.scanAscending(0, limit); idx != -1 && idx+1 > usage {
			usage = idx + 1
		}
	}

	if usage < 0 {
		usage = 0
	}
	if usage > s.q.len() {
		usage = s.q.len()
	}
	return usage
}

// ioLoop is the single OS thread of §4.E/§5: `loop { handle_clients() }`
// while running.
func (s *Sink) ioLoop() {
	defer close(s.doneCh)

	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}
		if !s.handleClients() {
			return
		}
	}
}

// handleClients is one pass of the poll wait plus per-client reactions
// (§4.E). It returns false when the loop should stop.
func (s *Sink) handleClients() bool {
	events, err := s.poll.Wait(s.opts.Timeout)

	switch {
	case err == nil:
		if len(events) == 0 {
			s.handleInactivityTimeout()
			return true
		}
		for _, ev := range events {
			s.serviceClient(ev)
		}
		return true

	case errors.Is(err, ErrPollInterrupted):
		return true

	case errors.Is(err, ErrPollBusy):
		return false

	case errors.Is(err, ErrPollBadFD):
		s.probeAndEvictBadFDs()
		return true

	default:
		// Fatal element error (§7): any other poll failure is
		// unrecoverable. The loop stops; the host's notifier has
		// already seen every per-client removal that happened before
		// this point.
		return false
	}
}

func (s *Sink) handleInactivityTimeout() {
	if s.opts.Timeout <= 0 {
		return
	}
	s.mu.Lock()
	now := time.Now()
	var toEvict []*clientState
	for _, c := range s.clients.snapshotCopy() {
		if (c.status == StatusOK || c.status == StatusFlushing) && now.Sub(c.lastActivity) > s.opts.Timeout {
			c.status = StatusSlow
			toEvict = append(toEvict, c)
		}
	}
	for _, c := range toEvict {
		s.removeClientLink(c)
	}
	s.mu.Unlock()
}

func (s *Sink) probeAndEvictBadFDs() {
	s.mu.Lock()
	var toEvict []*clientState
	for _, c := range s.clients.snapshotCopy() {
		if c.status != StatusOK && c.status != StatusFlushing {
			continue
		}
		if _, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFD, 0); err != nil {
			c.status = StatusError
			toEvict = append(toEvict, c)
		}
	}
	for _, c := range toEvict {
		s.removeClientLink(c)
	}
	s.mu.Unlock()
}

// serviceClient runs the per-client service steps of §4.E in order.
func (s *Sink) serviceClient(ev PollEvent) {
	s.mu.Lock()
	c, ok := s.clients.get(ev.FD)
	if !ok {
		s.mu.Unlock()
		return
	}

	if c.status != StatusOK && c.status != StatusFlushing {
		s.removeClientLink(c)
		s.mu.Unlock()
		return
	}

	if ev.Closed {
		c.status = StatusClosed
		s.removeClientLink(c)
		s.mu.Unlock()
		return
	}
	if ev.Error {
		c.status = StatusError
		s.removeClientLink(c)
		s.mu.Unlock()
		return
	}

	c.lastActivity = time.Now()

	if ev.Readable {
		if !s.handleRead(c) {
			s.removeClientLink(c)
			s.mu.Unlock()
			return
		}
	}

	if ev.Writable {
		if !s.handleWrite(c) {
			s.removeClientLink(c)
			s.mu.Unlock()
			return
		}
	}

	s.mu.Unlock()
}

// handleRead drains and discards readable bytes. Returns false if the
// client should be removed (peer closed or a read error occurred).
func (s *Sink) handleRead(c *clientState) bool {
	available, err := fionread(c.fd)
	if err != nil {
		c.status = StatusError
		return false
	}
	if available == 0 {
		c.status = StatusClosed
		return false
	}

	scratch := make([]byte, readScratchSize)
	for available > 0 {
		n, err := unix.Read(c.fd, scratch)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return true
			}
			c.status = StatusError
			return false
		}
		if n == 0 {
			c.status = StatusError
			return false
		}
		available -= n
	}
	return true
}

// handleWrite implements §4.E's handle_write, including the refill
// step that consults the Sync Policy and the stream-header gate.
func (s *Sink) handleWrite(c *clientState) bool {
	if len(c.sending) == 0 {
		if c.bufpos == -1 {
			_ = s.poll.ModifyWrite(c.fd, false)
			c.pollWriteInterest = false
			if c.flushcount == 0 {
				c.status = StatusRemoved
				return false
			}
			return true
		}

		if c.newConnection && c.status != StatusFlushing {
			pos := resolveStartIndex(s.q, c)
			if pos == -1 {
				_ = s.poll.ModifyWrite(c.fd, false)
				c.pollWriteInterest = false
				return true
			}
			c.bufpos = pos
			c.newConnection = false
		}

		if c.flushcount == 0 {
			c.status = StatusRemoved
			return false
		}

		if c.bufpos < 0 || c.bufpos >= s.q.len() {
			_ = s.poll.ModifyWrite(c.fd, false)
			c.pollWriteInterest = false
			return true
		}

		buf := s.q.at(c.bufpos)
		c.bufpos--

		if buf.HasTS {
			if !c.stats.HasFirstBufferTS {
				c.stats.FirstBufferTS = buf.Timestamp
				c.stats.HasFirstBufferTS = true
			}
			c.stats.LastBufferTS = buf.Timestamp
			c.stats.HasLastBufferTS = true
		}
		if c.flushcount > 0 {
			c.flushcount--
		}

		gate := applyHeaderGate(c, &s.headers, s.currentCapsFP)
		for _, h := range gate.toSend {
			c.sending = append(c.sending, h)
		}
		c.sending = append(c.sending, buf.Ref())
		c.bufoffset = 0
		return true
	}

	head := c.sending[0]
	payload := head.Bytes()[c.bufoffset:]

	n, err := writeNonBlocking(c.fd, payload, c.isSocket)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN):
			return true
		case errors.Is(err, unix.ECONNRESET):
			c.status = StatusClosed
			return false
		default:
			c.status = StatusError
			return false
		}
	}

	c.stats.BytesSent += int64(n)
	s.q.bytesServed += int64(n)

	if n < len(payload) {
		c.bufoffset += n
		return true
	}

	head.Unref()
	c.sending = c.sending[1:]
	c.bufoffset = 0
	return true
}

func fionread(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.FIONREAD)
}

// writeNonBlocking sends payload once, non-blocking, via write(2). The
// Go runtime ignores SIGPIPE process-wide outside of os.Stdout/Stderr,
// so a peer that has reset the connection simply surfaces as EPIPE or
// ECONNRESET from the syscall rather than killing the process -- no
// MSG_NOSIGNAL dance is needed (unlike the C original). isSocket is
// accepted but unused: the write path is identical for sockets and
// other descriptors.
func writeNonBlocking(fd int, payload []byte, isSocket bool) (int, error) {
	if len(payload) == 0 {
		return 0, nil
	}
	return unix.Write(fd, payload)
}
