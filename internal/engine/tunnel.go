package engine

import "golang.org/x/sys/unix"

// tunnel pairs a front (client-facing) and back (backend-facing)
// channel under one id. Tunnels are pool-recycled as a unit; front and
// back point at each other directly since both live inside the same
// *tunnel and are released together.
type tunnel struct {
	id    uint64
	proxy *proxy
	front channel
	back  channel
}

func tunnelInit(t *tunnel) {
	t.front = channel{sock: -1, which: "FRONT", tunnel: t}
	t.back = channel{sock: -1, which: "BACK", tunnel: t}
	t.front.peer = &t.back
	t.back.peer = &t.front
}

// tunnelPool recycles *tunnel values through three states: idle (ready
// to reserve), active-in-use (owned by a live connection, not tracked
// here), and dirty (released during this epoll batch but not yet safe
// to hand back out — see drain).
type tunnelPool struct {
	idle   []*tunnel
	dirty  []*tunnel
	nextID uint64
}

func newTunnelPool() *tunnelPool {
	return &tunnelPool{}
}

func (tp *tunnelPool) reserve(p *proxy) *tunnel {
	var t *tunnel
	if n := len(tp.idle); n > 0 {
		t = tp.idle[n-1]
		tp.idle = tp.idle[:n-1]
	} else {
		t = &tunnel{}
	}
	t.proxy = p
	tunnelInit(t)
	t.id = tp.nextID
	tp.nextID++
	return t
}

// release closes both channels and reinitializes the tunnel, then
// parks it on the DIRTY list rather than handing it straight back to
// IDLE.
//
// A tunnel is referenced by two live epoll registrations (front and
// back channel). A single epoll_wait batch can report both of them in
// the same call, and both land on this iteration's active-channel
// list. If release pushed straight to IDLE, a proxy processed later in
// the SAME iteration could reserve this tunnel for a brand new
// connection before the second channel of the ORIGINAL pair gets its
// turn in the active-channel loop — that second channel would then be
// operating on a tunnel some other connection already owns. Parking on
// DIRTY and draining to IDLE only once per full loop iteration (after
// both active lists are drained) closes that window.
func (tp *tunnelPool) release(t *tunnel, pipes *pipePool, monitored *int) {
	closeChannel(&t.front, pipes, monitored)
	closeChannel(&t.back, pipes, monitored)
	tunnelInit(t)
	tp.dirty = append(tp.dirty, t)
}

// drain moves every tunnel released during this iteration from DIRTY
// to IDLE, making them reservable again starting next iteration.
func (tp *tunnelPool) drain() {
	if len(tp.dirty) == 0 {
		return
	}
	tp.idle = append(tp.idle, tp.dirty...)
	tp.dirty = tp.dirty[:0]
}

func (tp *tunnelPool) purge() {
	tp.idle = nil
	tp.dirty = nil
}

// tunnelRegister arms both halves of a freshly connected tunnel: front
// is already connected (it's the accepted client socket) and watched
// for nothing yet; back is mid-connect and watched for writability.
func tunnelRegister(p *poller, t *tunnel, monitored *int) {
	t.front.status = statusConnected
	t.front.events = 0
	t.back.events = 0
	t.back.status = statusConnecting
	channelRearm(p, &t.front, 0, monitored)
	channelRearm(p, &t.back, unix.EPOLLOUT, monitored)
}

// releaseTunnel and abortTunnel live on Engine (not tunnelPool) since
// releasing a tunnel also has to resume a paused proxy.

// releaseTunnel returns t to the pool and, if the owning proxy was
// paused at its pipe-admission limit, resumes it.
func (e *Engine) releaseTunnel(t *tunnel) {
	p := t.proxy
	wasFull := p.pipesCount == p.pipesMax
	e.tunnels.release(t, e.pipes, &e.monitored)
	p.pipesCount--
	if wasFull {
		proxyResume(e, p)
	}
}

// abortTunnel logs the reason and releases the tunnel.
func (e *Engine) abortTunnel(t *tunnel, reason string) {
	e.log.TunnelAborted(reason)
	e.releaseTunnel(t)
}
