package engine

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Options configures the socket-option tweaks proxyManageEvent applies
// to every freshly connected tunnel.
type Options struct {
	BufferSize   bool
	ChattyUpdate bool
	ChattyFront  bool
	ChattyBack   bool
}

// Engine owns one proxy listener, its pipe and tunnel pools, and the
// epoll instance driving them. It is not safe for concurrent use: one
// Engine is one single-threaded event loop, matching the original's
// per-worker-process model (MaxChld independent engines share nothing
// but the dispatcher feed's load-balancing).
type Engine struct {
	poller    *poller
	pipes     *pipePool
	tunnels   *tunnelPool
	monitored int

	activeChannels []*channel
	activeProxies  []*proxy

	proxy *proxy
	feed  Dispatcher
	log   Logger
}

// New builds an Engine around an already-bound, already-listening,
// non-blocking front socket fd (ownership of the fd passes to the
// Engine) and a dispatcher feed.
func New(listenFD int, feed Dispatcher, opts Options, log Logger) (*Engine, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("engine: epoll_create: %w", err)
	}
	pipesMax, err := raiseNoFilePipesMax()
	if err != nil {
		_ = p.close()
		return nil, fmt.Errorf("engine: rlimit: %w", err)
	}
	log.Debugf("pipes.max = %d", pipesMax)

	px := &proxy{
		listenFD:    listenFD,
		pipesMax:    pipesMax,
		bufferSize:  opts.BufferSize,
		chattyUpd:   opts.ChattyUpdate,
		chattyFront: opts.ChattyFront,
		chattyBack:  opts.ChattyBack,
	}

	e := &Engine{
		poller:  p,
		pipes:   newPipePool(),
		tunnels: newTunnelPool(),
		proxy:   px,
		feed:    feed,
		log:     log,
	}
	proxyRegister(e.poller, px, &e.monitored)
	return e, nil
}

// Close releases the epoll instance, the listener and every pooled
// pipe. Outstanding tunnels are not force-closed; callers should stop
// Run first and let in-flight tunnels drain or be abandoned by the
// caller's own shutdown policy.
func (e *Engine) Close() error {
	e.pipes.purge()
	e.tunnels.purge()
	_ = unix.Close(e.proxy.listenFD)
	return e.poller.close()
}

// Run drives the event loop until *running is cleared. One iteration:
// wait for readiness (blocking indefinitely only if nothing is
// already locally active), promote ready items onto the active lists,
// drain active channels, drain active proxies, then drain DIRTY
// tunnels back to IDLE.
func (e *Engine) Run(running *int32) error {
	events := make([]unix.EpollEvent, MaxEvents)

	for atomic.LoadInt32(running) != 0 {
		if e.monitored > 0 {
			timeout := -1
			if len(e.activeChannels) > 0 || len(e.activeProxies) > 0 {
				timeout = 0
			}
			ready, err := e.poller.wait(events, timeout)
			if err != nil {
				if err == unix.EINTR {
					if atomic.LoadInt32(running) == 0 {
						return nil
					}
					continue
				}
				return fmt.Errorf("engine: epoll_wait: %w", err)
			}
			e.monitored -= len(ready)
			for _, ev := range ready {
				target, ok := e.poller.target(ev.Fd)
				if !ok {
					continue
				}
				switch v := target.(type) {
				case *proxy:
					v.events = ev.Events
					v.flags = (v.flags &^ flagListed) | flagActive
					e.activeProxies = append(e.activeProxies, v)
				case *channel:
					v.events = ev.Events
					v.flags = (v.flags &^ flagListed) | flagActive
					e.activeChannels = append(e.activeChannels, v)
				}
			}
		}

		chans := e.activeChannels
		e.activeChannels = nil
		for _, c := range chans {
			c.flags &^= flagListed
			channelManageEvents(e, c, c.events)
		}

		proxies := e.activeProxies
		e.activeProxies = nil
		for _, px := range proxies {
			px.flags &^= flagListed
			proxyManageEvent(e, px, px.events)
		}

		e.tunnels.drain()
	}
	return nil
}
