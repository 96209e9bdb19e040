package sink

import "bytes"

// CapsFingerprint is an opaque, equality-comparable token summarizing
// the current stream format. Producers derive it however they like
// (e.g. a hash of the codec parameters); the core only ever compares
// it for equality. Sink has no method that sets its current
// fingerprint: it stays at the zero value, so after a client's first
// pass through applyHeaderGate the gate never sees a caps change and
// never resends stream headers to that client.
type CapsFingerprint struct {
	value []byte
	set   bool
}

// NewCapsFingerprint wraps an opaque format token.
func NewCapsFingerprint(value []byte) CapsFingerprint {
	cp := make([]byte, len(value))
	copy(cp, value)
	return CapsFingerprint{value: cp, set: true}
}

func (c CapsFingerprint) equal(other CapsFingerprint) bool {
	if c.set != other.set {
		return false
	}
	return bytes.Equal(c.value, other.value)
}

// streamHeaderSet is the ordered list of preamble buffers a new client
// must receive before any data buffer (§3). It is mutated only when
// the producer switches from non-header to header buffers.
type streamHeaderSet struct {
	bufs        []*Buffer
	fingerprint CapsFingerprint
}

// clear drops the set's references to its current buffers.
func (s *streamHeaderSet) clear() {
	for _, b := range s.bufs {
		b.Unref()
	}
	s.bufs = nil
}

// append adds buf to the set, taking ownership of the caller's
// reference.
func (s *streamHeaderSet) append(buf *Buffer) {
	s.bufs = append(s.bufs, buf)
}

func (s *streamHeaderSet) equalBuffers(other []*Buffer) bool {
	if len(s.bufs) != len(other) {
		return false
	}
	for i := range s.bufs {
		if !bytes.Equal(s.bufs[i].Bytes(), other[i].Bytes()) {
			return false
		}
	}
	return true
}

// headerGateResult tells the I/O loop which buffers (if any) to send
// ahead of the data buffer currently being queued into `sending`.
type headerGateResult struct {
	toSend []*Buffer // already ref'd for the caller
}

// applyHeaderGate implements §4.E's stream-header gate: before a data
// buffer is appended to a client's sending FIFO, compare the current
// caps fingerprint against the one the client last sent headers for.
func applyHeaderGate(c *clientState, headers *streamHeaderSet, currentFP CapsFingerprint) headerGateResult {
	hasHeaders := len(headers.bufs) > 0

	send := func() headerGateResult {
		toSend := make([]*Buffer, len(headers.bufs))
		for i, b := range headers.bufs {
			toSend[i] = b.Ref()
		}
		c.setLastStreamHeaders(headers.bufs)
		return headerGateResult{toSend: toSend}
	}

	switch {
	case !c.hasCapsFingerprint:
		var out headerGateResult
		if hasHeaders {
			out = send()
		}
		c.capsFingerprint = currentFP
		c.hasCapsFingerprint = true
		c.hadStreamHeaders = hasHeaders
		return out

	case c.capsFingerprint.equal(currentFP):
		return headerGateResult{}

	case !hasHeaders:
		c.capsFingerprint = currentFP
		c.hadStreamHeaders = false
		return headerGateResult{}

	case !c.hadStreamHeaders:
		out := send()
		c.capsFingerprint = currentFP
		c.hadStreamHeaders = true
		return out

	default:
		if c.resendStreamHeader && !headers.equalBuffers(c.lastStreamHeaders) {
			out := send()
			c.capsFingerprint = currentFP
			return out
		}
		c.capsFingerprint = currentFP
		return headerGateResult{}
	}
}
