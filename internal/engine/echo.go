package engine

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// echoItem is the degenerate case of a channel spec.md §1 describes:
// a tunnel where the "backend" is the client socket itself, so one
// socket and one pipe suffice instead of a front/back pair. Unlike
// channel, echoItem uses plain level-triggered epoll (no ET/ONESHOT):
// the original echo-tcp-splice.c never re-arms with EPOLLONESHOT,
// it just MODs the interest mask in place.
type echoItem struct {
	sock     int
	pipe     *pipe
	events   uint32
	isServer bool
}

// EchoServer runs the echo build's main loop: one or more listening
// sockets, each accepted client spliced to its own pipe and back to
// itself. It shares pipePool and poller with the proxy engine but
// needs none of tunnel/channel's peer bookkeeping.
type EchoServer struct {
	poller *poller
	pipes  *pipePool
	log    Logger
}

// NewEchoServer opens the epoll instance backing an echo build.
func NewEchoServer(log Logger) (*EchoServer, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &EchoServer{poller: p, pipes: newPipePool(), log: log}, nil
}

// AddListener registers an already-bound, already-listening,
// non-blocking fd as a server item.
func (s *EchoServer) AddListener(fd int) error {
	it := &echoItem{sock: fd, events: unix.EPOLLIN, isServer: true}
	return s.poller.add(fd, unix.EPOLLIN, it)
}

// Close releases the epoll instance and every pooled pipe.
func (s *EchoServer) Close() error {
	s.pipes.purge()
	return s.poller.close()
}

// Run drives the echo loop until *running is cleared, matching
// echo-tcp-splice.c's main_loop: block in epoll_wait (no local active
// list to drain first — every echo item is always either monitored or
// being serviced synchronously within manage_item_event).
func (s *EchoServer) Run(running *int32) error {
	events := make([]unix.EpollEvent, MaxEvents)
	for atomic.LoadInt32(running) != 0 {
		ready, err := s.poller.wait(events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for _, ev := range ready {
			target, ok := s.poller.target(ev.Fd)
			if !ok {
				continue
			}
			it := target.(*echoItem)
			s.manageItem(it, ev.Events)
		}
	}
	return nil
}

func (s *EchoServer) manageItem(it *echoItem, evt uint32) {
	if it.isServer {
		s.manageServerEvent(it, evt)
		return
	}
	s.manageClientEvent(it, evt)
}

// manageServerEvent accepts exactly one client per notification
// (level-triggered will simply fire again if more are pending) and
// registers a fresh client item watching for EPOLLIN only.
func (s *EchoServer) manageServerEvent(it *echoItem, _ uint32) {
	fd, _, err := unix.Accept4(it.sock, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return
	}

	c := &echoItem{sock: fd, events: unix.EPOLLIN}
	if err := s.poller.add(fd, unix.EPOLLIN, c); err != nil {
		_ = unix.Close(fd)
	}
}

// manageClientEvent is manage_client_event transliterated onto the
// shared pipe type: splice inbound bytes into the client's own pipe,
// then splice whatever is buffered back out to the same socket,
// recomputing interest from how much is still queued afterward.
func (s *EchoServer) manageClientEvent(it *echoItem, evt uint32) {
	erroneous := false

	if evt&unix.EPOLLIN != 0 {
		if it.pipe == nil {
			p, err := s.pipes.acquire()
			if err != nil {
				erroneous = true
			} else {
				it.pipe = p
			}
		}
		if it.pipe != nil {
			rc, err := unix.Splice(it.sock, nil, it.pipe.wfd, nil, PipeSize, spliceFlags)
			switch {
			case err == nil && rc == 0:
				evt |= unix.EPOLLHUP
			case err != nil:
				if err != unix.EAGAIN {
					erroneous = true
				}
			default:
				it.pipe.load += int(rc)
			}
		}
	}

	if evt&unix.EPOLLOUT != 0 && it.pipe != nil && it.pipe.load > 0 {
		rc, err := unix.Splice(it.pipe.rfd, nil, it.sock, nil, it.pipe.load, spliceFlags)
		switch {
		case err == nil:
			it.pipe.load -= int(rc)
		case err != unix.EAGAIN:
			erroneous = true
		}
	}

	if evt&unix.EPOLLHUP != 0 && !erroneous {
		_ = unix.Shutdown(it.sock, unix.SHUT_WR)
		erroneous = true
	}

	if erroneous {
		_ = s.poller.remove(it.sock)
		_ = unix.Close(it.sock)
		if it.pipe != nil {
			s.pipes.release(it.pipe)
		}
		return
	}

	load := 0
	if it.pipe != nil {
		load = it.pipe.load
	}
	want := uint32(0)
	if load > 0 {
		want |= unix.EPOLLOUT
	}
	if load < PipeSize {
		want |= unix.EPOLLIN
	}
	if want != it.events {
		it.events = want
		_ = s.poller.modify(it.sock, want)
	}
}
