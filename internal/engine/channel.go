package engine

import "golang.org/x/sys/unix"

// channel is one half of a tunnel: a socket, the pipe currently
// staging data toward it (if any), its peer, the tunnel it belongs to
// and the bookkeeping flags/events the poller and the state machine
// share.
type channel struct {
	sock   int
	status connStatus
	tosend *pipe
	peer   *channel
	tunnel *tunnel
	which  string
	flags  chflag
	events uint32
}

// close tears down the socket and any pipe still staged on it. It is
// idempotent: calling it on an already-closed channel is a no-op.
func closeChannel(c *channel, pipes *pipePool, monitored *int) {
	if c.sock < 0 {
		return
	}
	if c.flags&flagMonitored != 0 {
		*monitored--
	}
	_ = unix.Close(c.sock)
	c.sock = -1
	c.flags = 0
	c.events = 0
	if c.tosend != nil {
		pipes.release(c.tosend)
		c.tosend = nil
	}
}

// shutChannel half-closes the write side once. While a pipe is still
// staged toward c the shutdown is deferred (bytes are still owed to
// c's socket); a later call does it once the pipe has drained.
func shutChannel(c *channel, pipes *pipePool) {
	if c.flags&flagShutSent != 0 {
		return
	}
	if c.tosend != nil {
		return
	}
	c.flags |= flagShutSent
	_ = unix.Shutdown(c.sock, unix.SHUT_WR)
	c.events &^= unix.EPOLLOUT
	if c.tosend != nil {
		pipes.release(c.tosend)
		c.tosend = nil
	}
}

// channelEvents computes the interest mask c currently wants: write
// interest while still connecting or holding data to flush, read
// interest while the peer is connected and writable, c has not seen
// EOF, and no pipe is still staged toward the peer.
func channelEvents(c *channel) uint32 {
	var evt uint32
	if (c.status == statusConnecting || c.tosend != nil) && c.flags&flagShutSent == 0 {
		evt |= unix.EPOLLOUT
	}
	if c.peer.status == statusConnected && c.peer.flags&flagShutSent == 0 &&
		c.flags&flagShutRecv == 0 && c.peer.tosend == nil {
		evt |= unix.EPOLLIN
	}
	return evt
}

// channelPatch propagates a just-seen SHUT_RECV to the peer: no more
// reads will ever come from c, so the peer's write side can shut too,
// and anything still staged toward c is dropped.
func channelPatch(c *channel, pipes *pipePool) {
	if c.flags&flagShutRecv != 0 {
		c.events &^= unix.EPOLLIN
		shutChannel(c.peer, pipes)
		if c.tosend != nil {
			pipes.release(c.tosend)
			c.tosend = nil
		}
	}
}

// channelRearm re-registers c.sock with the poller under the given
// interest, edge-triggered and one-shot. Once both shut bits are set
// c is unregistered and immediately re-added with zero interest: the
// socket stays open (shutdown doesn't close it) and the tunnel still
// wants EPOLLERR/EPOLLHUP delivered on it until the peer also finishes,
// at which point channel_update releases the whole tunnel. This
// double ctl call mirrors the original exactly rather than trying to
// special-case it away.
func channelRearm(p *poller, c *channel, interest uint32, monitored *int) {
	if c.flags&flagShutBoth == flagShutBoth {
		if c.flags&flagMonitored != 0 {
			*monitored--
		}
		if c.flags&flagRegistered != 0 {
			_ = p.remove(c.sock)
		}
		c.flags &^= flagListed | flagErroneous | flagRegistered
	}

	full := interest | unix.EPOLLET | unix.EPOLLONESHOT
	if c.flags&flagRegistered != 0 {
		if interest != c.events {
			_ = p.modify(c.sock, full)
		}
	} else {
		_ = p.add(c.sock, full, c)
	}
	if c.flags&flagMonitored == 0 {
		*monitored++
	}
	c.events = interest
	c.flags = (c.flags &^ flagListed) | flagMonitored | flagRegistered
}

// channelUpdateListed re-derives interest for a channel that is
// already on one of the two lists: rearm it if monitored, just
// refresh its cached events if it's already on this turn's active
// list (it'll be re-evaluated when its turn comes).
func channelUpdateListed(p *poller, c *channel, monitored *int) {
	assertf(c.flags&flagListed != 0, "channelUpdateListed: %s not listed", c.which)
	evt := channelEvents(c)
	if c.flags&flagMonitored != 0 {
		channelRearm(p, c, evt, monitored)
	} else if c.flags&flagActive != 0 {
		c.events = evt
	}
}

// channelUpdate is the common tail of every channel transition: patch
// both sides' shut state, release or abort the tunnel if either side
// is done or erroneous, otherwise either promote c to the active list
// (if it already has pending I/O) or rearm it, then refresh its peer.
func channelUpdate(e *Engine, c *channel) {
	assertf(c.flags&flagListed == 0, "channelUpdate: %s still listed", c.which)

	channelPatch(c, e.pipes)
	channelPatch(c.peer, e.pipes)
	if c.flags&flagShutBoth == flagShutBoth && c.peer.flags&flagShutBoth == flagShutBoth {
		e.releaseTunnel(c.tunnel)
		return
	}
	if c.flags&flagErroneous != 0 {
		e.abortTunnel(c.tunnel, "Peer error: "+c.which)
		return
	}
	if c.peer.flags&flagErroneous != 0 {
		e.abortTunnel(c.tunnel, "Peer error: "+c.which)
		return
	}

	evt := channelEvents(c)
	if c.events&(unix.EPOLLIN|unix.EPOLLOUT) != 0 {
		c.events = evt
		c.flags = (c.flags &^ flagListed) | flagActive
		e.activeChannels = append(e.activeChannels, c)
	} else {
		channelRearm(e.poller, c, evt, &e.monitored)
	}
	channelUpdateListed(e.poller, c.peer, &e.monitored)
}

// channelManageEvents is the entry point for a channel that just came
// off the active list with a readiness mask from the poller (or from
// a freshly promoted status change).
func channelManageEvents(e *Engine, c *channel, events uint32) {
	assertf(c.flags&flagListed == 0, "channelManageEvents: %s still listed", c.which)

	e.log.Debugf("tunnel %d %s: events=%#x flags=%#x", c.tunnel.id, c.which, events, c.flags)

	if events&unix.EPOLLERR != 0 {
		if c.status == statusConnecting {
			// A refused or failed non-blocking connect() surfaces here.
			soErr, _ := unix.GetsockoptInt(c.sock, unix.SOL_SOCKET, unix.SO_ERROR)
			e.abortTunnel(c.tunnel, "connect() error: "+unix.Errno(soErr).Error())
			return
		}
		e.abortTunnel(c.tunnel, "Channel error: "+c.which)
		return
	}
	if c.status == statusUnset {
		// The slot was released from under this event; nothing to do.
		return
	}
	if events&unix.EPOLLOUT != 0 && c.status == statusConnecting {
		c.status = statusConnected
		channelUpdate(e, c)
		return
	}
	if c.tosend != nil {
		pipeResume(c, e.pipes)
	}
	if events&unix.EPOLLIN != 0 {
		channelTransfer(c, e.pipes)
	}
	if events&unix.EPOLLHUP != 0 {
		c.flags |= flagShutRecv
	}
	channelUpdate(e, c)
}
