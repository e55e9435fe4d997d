package engine

import "golang.org/x/sys/unix"

// poller wraps one epoll instance. Dispatch uses the fd itself as the
// key into a lookup table rather than smuggling a pointer through the
// kernel's opaque epoll_data union (the union holds int32/uint64
// values just fine, but stashing a live Go pointer there and casting
// it back via unsafe.Pointer is the kind of thing the spec's §9 notes
// ask to avoid in favor of a cleaner indirection) — this is the same
// fd-keyed-map idiom used by the pack's rcproxy event loop reference.
type poller struct {
	epfd    int
	targets map[int32]interface{}
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: epfd, targets: make(map[int32]interface{})}, nil
}

// add registers fd with the given raw event mask (callers are
// responsible for OR-ing in EPOLLET/EPOLLONESHOT where the original
// does — the proxy and channel paths want edge-triggered one-shot,
// the echo server wants plain level-triggered).
func (p *poller) add(fd int, events uint32, target interface{}) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.targets[int32(fd)] = target
	return nil
}

func (p *poller) modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// remove unregisters fd, tolerating ENOENT the way the original's
// retry_del label does (the fd may already have dropped out of the
// epoll set, e.g. because it was closed).
func (p *poller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(p.targets, int32(fd))
	if err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}

func (p *poller) wait(buf []unix.EpollEvent, timeoutMS int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(p.epfd, buf, timeoutMS)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *poller) target(fd int32) (interface{}, bool) {
	t, ok := p.targets[fd]
	return t, ok
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
