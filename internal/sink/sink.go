package sink

import (
	"sync"
	"time"
)

// Sink wires components A-E behind the host-facing operation surface
// of §6, plus the supplemented clear()/Stats()/num_clients() operations
// (see SPEC_FULL.md's SUPPLEMENTED FEATURES).
//
// Two long-running goroutines touch a Sink's internals: whichever
// goroutine calls Render (the producer) and the single goroutine
// running the I/O loop started by Start. Host calls such as Add,
// Remove and Clear run on their caller's goroutine. All of them
// serialize on mu -- there is no finer-grained locking (§5).
type Sink struct {
	mu sync.Mutex

	q       *queue
	headers streamHeaderSet
	clients *clientTable

	opts  Options
	notif Notifier
	poll  PollSet

	lastBufferWasHeader bool
	currentCapsFP        CapsFingerprint

	running  bool
	doneCh   chan struct{}
	fdToSend map[int]struct{} // allocated by New; no code path reads or writes it
}

// New constructs a Sink. poll must already be empty of registrations;
// the Sink will add/remove entries to it for exactly the client fds
// handed to it through add()/add_full().
func New(opts Options, notif Notifier, poll PollSet) *Sink {
	return &Sink{
		q:        newQueue(),
		clients:  newClientTable(),
		opts:     opts,
		notif:    notif,
		poll:     poll,
		fdToSend: make(map[int]struct{}),
	}
}

// Start spawns the I/O worker goroutine (§4.E, §5). It returns once
// the goroutine has been launched, not once it has exited.
func (s *Sink) Start() {
	s.mu.Lock()
	s.running = true
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.ioLoop()
}

// StopPre puts the poll set into flushing mode so any in-progress or
// future Wait returns promptly (§5's stop_pre). It does not wait for
// the I/O loop to exit.
func (s *Sink) StopPre() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.poll.SetFlushing(true)
}

// StopPost blocks until the I/O loop has exited, then empties the
// client hash (without closing any descriptor -- the host does that)
// and releases the poll set (§5's stop_post).
func (s *Sink) StopPost() {
	<-s.doneCh

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients.ordered {
		c.releaseSending()
		c.releaseLastStreamHeaders()
	}
	s.clients = newClientTable()
	s.headers.clear()
	s.q.trimTailTo(0)

	_ = s.poll.Close()
}

// Add registers fd using the sink's element-wide defaults.
func (s *Sink) Add(fd int, isSocket bool) error {
	return s.AddFull(fd, s.opts.DefaultSyncMethod, Limit{Unit: s.opts.BurstUnit, Value: s.opts.BurstValue}, Limit{Unit: s.opts.BurstUnit, Value: s.opts.BurstValue}, isSocket)
}

// AddFull registers fd with an explicit sync method and burst window
// (§4.B's add semantics, §6's add_full).
func (s *Sink) AddFull(fd int, method SyncMethod, burstMin, burstMax Limit, isSocket bool) error {
	s.mu.Lock()

	if burstMin.Unit == burstMax.Unit && burstMin.Value != unlimited && burstMax.Value != unlimited && burstMax.Value < burstMin.Value {
		s.mu.Unlock()
		return ErrInvalidBurstLimits
	}

	if _, dup := s.clients.get(fd); dup {
		s.mu.Unlock()
		s.notif.removed(fd, StatusDuplicate)
		return nil
	}

	c := &clientState{
		fd:                 fd,
		isSocket:           isSocket,
		label:              fmtLabel(fd),
		status:             StatusOK,
		syncMethod:         method,
		burstMin:           burstMin,
		burstMax:           burstMax,
		bufpos:             s.q.len() - 1,
		flushcount:         -1,
		newConnection:      true,
		resendStreamHeader: s.opts.ResendStreamHeader,
		lastActivity:       time.Now(),
		stats:              Stats{ConnectTime: time.Now().UnixNano()},
	}
	if c.bufpos < 0 {
		c.bufpos = -1
	}

	s.clients.insert(c)

	if err := s.poll.Add(fd, s.opts.HandleRead, false); err != nil {
		s.clients.eraseStructural(c)
		s.mu.Unlock()
		return err
	}
	c.pollReadInterest = s.opts.HandleRead

	if isSocket && s.opts.QoSDSCP >= 0 {
		if err := applyDSCP(fd, s.opts.QoSDSCP); err != nil {
			// failure to configure DSCP does not reject the add; the
			// error is discarded here without being logged or reported.
		}
	}

	s.mu.Unlock()
	s.notif.added(fd)
	return nil
}

// Remove immediately removes fd, skipping any pending sending queue
// (§6's remove).
func (s *Sink) Remove(fd int) error {
	s.mu.Lock()
	c, ok := s.clients.get(fd)
	if !ok {
		s.mu.Unlock()
		return ErrUnknownClient
	}
	if c.status != StatusOK {
		s.mu.Unlock()
		return nil
	}
	c.status = StatusRemoved
	s.removeClientLink(c)
	s.mu.Unlock()
	return nil
}

// RemoveFlush drains the client's pending-send queue before removal
// (§4.B's remove_flush).
func (s *Sink) RemoveFlush(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients.get(fd)
	if !ok {
		return ErrUnknownClient
	}
	c.flushcount = c.bufpos + 1
	c.status = StatusFlushing
	return nil
}

// GetStats returns fd's stats tuple, or (Stats{}, false) if unknown.
func (s *Sink) GetStats(fd int) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients.get(fd)
	if !ok {
		return Stats{}, false
	}
	st := c.stats
	st.LastActivityTime = c.lastActivity.UnixNano()
	if c.status == StatusOK || c.status == StatusFlushing {
		st.ConnectedDuration = time.Since(time.Unix(0, st.ConnectTime))
	} else {
		st.ConnectedDuration = time.Duration(st.DisconnectTime - st.ConnectTime)
	}
	return st, true
}

// Clear removes every currently-registered client, as if Remove had
// been called for each (SUPPLEMENTED FEATURES).
func (s *Sink) Clear() {
	s.mu.Lock()
	for _, c := range s.clients.snapshotCopy() {
		if c.status == StatusOK || c.status == StatusFlushing {
			c.status = StatusRemoved
			s.removeClientLink(c)
		}
	}
	s.mu.Unlock()
}

// NumClients returns the current live client count without building a
// stats tuple for each one (SUPPLEMENTED FEATURES).
func (s *Sink) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients.ordered)
}

// SinkStats is the aggregate, sink-wide counterpart to per-client
// GetStats (SUPPLEMENTED FEATURES).
type SinkStats struct {
	BytesServed   int64
	BuffersQueued int64
	QueueLen      int
	NumClients    int
}

// Stats returns a snapshot of the sink-wide aggregate counters.
func (s *Sink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SinkStats{
		BytesServed:   s.q.bytesServed,
		BuffersQueued: s.q.buffersQueued,
		QueueLen:      s.q.len(),
		NumClients:    len(s.clients.ordered),
	}
}

// removeClientLink is the removal procedure of §4.B, called under mu.
// It may drop and reacquire mu to emit notifications outside the
// critical section (steps 5 and 7).
func (s *Sink) removeClientLink(c *clientState) {
	if c.currentlyRemoving {
		return
	}
	c.currentlyRemoving = true

	_ = s.poll.Remove(c.fd)
	c.stats.DisconnectTime = time.Now().UnixNano()
	c.releaseSending()
	c.hasCapsFingerprint = false
	c.releaseLastStreamHeaders()

	status := c.status
	fd := c.fd

	s.mu.Unlock()
	s.notif.removed(fd, status)
	s.mu.Lock()

	s.clients.eraseStructural(c)

	s.mu.Unlock()
	s.notif.fdRemoved(fd)
	s.mu.Lock()
}
