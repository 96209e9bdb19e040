package main

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/adred-codev/multifdsink/internal/limits"
	"github.com/adred-codev/multifdsink/internal/platform"
	"github.com/adred-codev/multifdsink/internal/sink"
)

// acceptLoop owns the listening socket and its own single-fd epoll
// instance, separate from the sink's own PollSet -- the accept path
// never touches client fds after handing them to snk.Add, so there is
// no need to share a poll set with the I/O loop.
type acceptLoop struct {
	listenFD int
	epfd     int
	snk      *sink.Sink
	limiter  *limits.AcceptLimiter
	logger   zerolog.Logger
	stop     chan struct{}
	done     chan struct{}
}

func newAcceptLoop(addr string, snk *sink.Sink, limiter *limits.AcceptLimiter, logger zerolog.Logger) (*acceptLoop, error) {
	listenFD, err := platform.CreateOptimizedListener(addr)
	if err != nil {
		return nil, fmt.Errorf("create listener: %w", err)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("create accept epoll: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFD, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(listenFD),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(listenFD)
		return nil, fmt.Errorf("register listener with epoll: %w", err)
	}

	return &acceptLoop{
		listenFD: listenFD,
		epfd:     epfd,
		snk:      snk,
		limiter:  limiter,
		logger:   logger.With().Str("component", "accept_loop").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// run accepts connections until Stop is called, admitting each one
// through the AcceptLimiter before handing its fd to the sink. Edge-
// triggered here (unlike the core's own level-triggered PollSet) is
// safe because this loop always drains accept(2) to EAGAIN on every
// wakeup before going back to EpollWait.
func (a *acceptLoop) run() {
	defer close(a.done)
	events := make([]unix.EpollEvent, 16)

	for {
		select {
		case <-a.stop:
			return
		default:
		}

		n, err := unix.EpollWait(a.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			a.logger.Error().Err(err).Msg("accept epoll wait failed")
			continue
		}

		for i := 0; i < n; i++ {
			if int(events[i].Fd) != a.listenFD {
				continue
			}
			a.drainAccepts()
		}
	}
}

func (a *acceptLoop) drainAccepts() {
	for {
		fd, sa, err := unix.Accept4(a.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.ECONNABORTED || err == unix.EINTR {
				continue
			}
			a.logger.Warn().Err(err).Msg("accept failed")
			return
		}

		ip := remoteIP(sa)
		if a.limiter != nil && !a.limiter.Allow(ip) {
			unix.Close(fd)
			continue
		}

		if err := platform.TuneClientSocket(fd); err != nil {
			a.logger.Debug().Err(err).Int("fd", fd).Msg("socket tuning partially failed")
		}

		if err := a.snk.Add(fd, true); err != nil {
			a.logger.Warn().Err(err).Int("fd", fd).Msg("sink rejected new client")
			unix.Close(fd)
			continue
		}
	}
}

func remoteIP(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(v.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(v.Addr[:]).String()
	default:
		return "unknown"
	}
}

// Stop ends the accept loop and closes the listening socket. It does
// not touch already-accepted client fds -- those belong to the sink.
func (a *acceptLoop) Stop() {
	close(a.stop)
	<-a.done
	_ = unix.Close(a.epfd)
	_ = unix.Close(a.listenFD)
}
