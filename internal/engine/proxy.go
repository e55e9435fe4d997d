package engine

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bg5sbk/lbtk/internal/netutil"
)

// proxy is the front listener: its socket, the admission-control
// counters bounding how many tunnels it will have open at once, and
// the dispatcher feed that names a backend for every accepted client.
type proxy struct {
	listenFD    int
	pipesCount  int
	pipesMax    int
	flags       chflag
	events      uint32
	bufferSize  bool
	chattyUpd   bool
	chattyFront bool
	chattyBack  bool
}

// raiseNoFilePipesMax raises RLIMIT_NOFILE to its hard ceiling and
// returns half of that ceiling as the tunnel admission limit
// (pipes.max). A tunnel holds two sockets and up to two pipe pairs,
// so at the limit the tunnels alone can need more descriptors than
// the hard ceiling allows.
func raiseNoFilePipesMax() (int, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("getrlimit: %w", err)
	}
	rl.Cur = rl.Max
	_ = unix.Setrlimit(unix.RLIMIT_NOFILE, &rl)
	return int(rl.Max / 2), nil
}

// proxyRegister (re)arms the listener for read-readiness, choosing ADD
// vs MOD based on whether it is already registered.
func proxyRegister(p *poller, px *proxy, monitored *int) {
	events := uint32(unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLIN)
	var err error
	if px.flags&flagRegistered != 0 {
		err = p.modify(px.listenFD, events)
	} else {
		err = p.add(px.listenFD, events, px)
	}
	if err != nil {
		return
	}
	if px.flags&flagMonitored == 0 {
		*monitored++
	}
	px.flags |= flagRegistered | flagMonitored
	px.events = unix.EPOLLIN
}

// proxyPause rearms the listener for error-only interest (no read),
// keeping it registered but dropping it off the monitored count: its
// resumption isn't driven by a kernel event, it's driven by
// tunnel-unref reaching pipes.count == pipes.max-1.
func proxyPause(p *poller, px *proxy, monitored *int) {
	px.events = 0
	if px.flags&flagMonitored == 0 {
		return
	}
	if err := p.modify(px.listenFD, unix.EPOLLET|unix.EPOLLONESHOT); err != nil {
		return
	}
	*monitored--
	px.flags &^= flagListed
}

// proxyResume marks a paused listener active again; it'll get its
// next accept() attempt the next time the active-proxy list drains.
func proxyResume(e *Engine, px *proxy) {
	assertf(px.flags&flagListed == 0, "proxyResume: still listed")
	px.flags = (px.flags &^ flagListed) | flagActive
	px.events = unix.EPOLLIN
	e.activeProxies = append(e.activeProxies, px)
}

// proxyManageEvent accepts exactly one client per call (retrying only
// on EINTR); when admission allows more, it re-resumes itself so the
// next loop iteration accepts another. On EAGAIN it re-arms for the
// next kernel notification instead.
func proxyManageEvent(e *Engine, px *proxy, events uint32) {
	assertf(px.flags&flagListed == 0, "proxyManageEvent: still listed")
	if px.events == 0 {
		return
	}

	var (
		fd  int
		err error
	)
	for {
		fd, _, err = unix.Accept4(px.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		proxyRegister(e.poller, px, &e.monitored)
		return
	}
	from, _ := unix.Getpeername(fd)

	t := e.tunnels.reserve(px)
	t.front.sock = fd

	px.pipesCount++
	if px.pipesCount == px.pipesMax {
		proxyPause(e.poller, px, &e.monitored)
	} else {
		proxyResume(e, px)
	}

	addr, err := e.feed.Next()
	if err != nil {
		e.abortTunnel(t, fmt.Sprintf("backend starvation: %s", err))
		return
	}
	if len(addr) > 128 {
		e.abortTunnel(t, "invalid backend: URL too big")
		return
	}
	back, err := netutil.ParseAddr(addr)
	if err != nil {
		e.abortTunnel(t, "invalid backend: bad URL")
		return
	}

	backSock, err := unix.Socket(back.Family(), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		e.abortTunnel(t, fmt.Sprintf("socket() error: %s", err))
		return
	}
	t.back.sock = backSock
	if err := unix.Connect(backSock, back.Sockaddr()); err != nil && err != unix.EINPROGRESS {
		e.abortTunnel(t, fmt.Sprintf("connect() error: %s", err))
		return
	}

	e.log.TunnelBirth(t.id, netutil.SockaddrString(from), back.String())

	if px.bufferSize {
		_ = netutil.SetBufferSizes(t.front.sock, PipeSize/2, PipeSize)
		_ = netutil.SetBufferSizes(t.back.sock, PipeSize/2, PipeSize)
	}
	if px.chattyUpd {
		_ = netutil.SetChatty(t.front.sock, px.chattyFront)
		_ = netutil.SetChatty(t.back.sock, px.chattyBack)
	}

	tunnelRegister(e.poller, t, &e.monitored)
}
