package sink

// Notifier is the host-facing callback surface (§6). The sink invokes
// these directly (synchronously) rather than queuing events; callers
// that need async delivery should hop onto their own goroutine inside
// the callback. All three may be invoked from either the add() caller's
// goroutine or the I/O loop's goroutine -- implementations must be
// thread-aware, exactly as §6 specifies.
type Notifier struct {
	// ClientAdded fires from the add()/add_full() caller's goroutine,
	// after registration completes.
	ClientAdded func(fd int)

	// ClientRemoved fires with the core still owning fd; handlers may
	// call GetStats but must not close fd.
	ClientRemoved func(fd int, status Status)

	// ClientFDRemoved fires once the core no longer references fd;
	// handlers may close/reuse it.
	ClientFDRemoved func(fd int)
}

func (n Notifier) added(fd int) {
	if n.ClientAdded != nil {
		n.ClientAdded(fd)
	}
}

func (n Notifier) removed(fd int, status Status) {
	if n.ClientRemoved != nil {
		n.ClientRemoved(fd, status)
	}
}

func (n Notifier) fdRemoved(fd int) {
	if n.ClientFDRemoved != nil {
		n.ClientFDRemoved(fd)
	}
}
