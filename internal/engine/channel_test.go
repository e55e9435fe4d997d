package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketpair returns a connected pair of stream sockets usable
// anywhere a test needs a real fd that supports shutdown(2), standing
// in for the TCP sockets channel.sock normally holds.
func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestTunnel(t *testing.T) *tunnel {
	t.Helper()
	tn := &tunnel{}
	tunnelInit(tn)
	a, b := socketpair(t)
	tn.front.sock = a
	tn.back.sock = b
	tn.front.status = statusConnected
	tn.back.status = statusConnected
	return tn
}

func TestChannelEventsWriteInterestWhileConnecting(t *testing.T) {
	tn := newTestTunnel(t)
	tn.back.status = statusConnecting

	evt := channelEvents(&tn.back)
	assert.NotZero(t, evt&unix.EPOLLOUT)
}

func TestChannelEventsWriteInterestWhileTosendPending(t *testing.T) {
	tn := newTestTunnel(t)
	tn.front.tosend = &pipe{load: 10}

	evt := channelEvents(&tn.front)
	assert.NotZero(t, evt&unix.EPOLLOUT)
}

func TestChannelEventsNoWriteInterestAfterShutSent(t *testing.T) {
	tn := newTestTunnel(t)
	tn.front.tosend = &pipe{load: 10}
	tn.front.flags |= flagShutSent

	evt := channelEvents(&tn.front)
	assert.Zero(t, evt&unix.EPOLLOUT)
}

func TestChannelEventsReadInterestRequiresPeerConnectedAndTosendFree(t *testing.T) {
	tn := newTestTunnel(t)

	// peer (back) connected, no shut, no pending pipe -> front wants read.
	evt := channelEvents(&tn.front)
	assert.NotZero(t, evt&unix.EPOLLIN)

	// A pipe still staged toward the peer (bytes front already read,
	// not yet written to back) withholds read interest on front
	// (single-pipe back-pressure): back must drain it before front
	// pulls more from its own socket.
	tn.back.tosend = &pipe{load: 1}
	evt = channelEvents(&tn.front)
	assert.Zero(t, evt&unix.EPOLLIN)
}

func TestChannelEventsNoReadInterestWhenPeerNotConnected(t *testing.T) {
	tn := newTestTunnel(t)
	tn.back.status = statusConnecting

	evt := channelEvents(&tn.front)
	assert.Zero(t, evt&unix.EPOLLIN)
}

func TestShutChannelIsIdempotent(t *testing.T) {
	tn := newTestTunnel(t)
	pipes := newPipePool()

	shutChannel(&tn.front, pipes)
	assert.NotZero(t, tn.front.flags&flagShutSent)

	// Calling again must not panic or double-shutdown the socket.
	shutChannel(&tn.front, pipes)
	assert.NotZero(t, tn.front.flags&flagShutSent)
}

func TestShutChannelDefersWhileTosendPending(t *testing.T) {
	tn := newTestTunnel(t)
	pipes := newPipePool()
	tn.front.tosend = &pipe{load: 5}

	shutChannel(&tn.front, pipes)
	assert.Zero(t, tn.front.flags&flagShutSent, "must not shut while bytes are still owed")
}

func TestChannelPatchPropagatesShutRecvToPeer(t *testing.T) {
	tn := newTestTunnel(t)
	pipes := newPipePool()
	tn.front.flags |= flagShutRecv

	channelPatch(&tn.front, pipes)

	assert.Zero(t, tn.front.events&unix.EPOLLIN)
	assert.NotZero(t, tn.back.flags&flagShutSent, "peer's write side must be shut once front will never read again")
}

func TestChannelPatchReleasesPendingPipe(t *testing.T) {
	tn := newTestTunnel(t)
	pipes := newPipePool()
	tn.front.flags |= flagShutRecv
	tn.front.tosend = &pipe{rfd: -1, wfd: -1}

	channelPatch(&tn.front, pipes)
	assert.Nil(t, tn.front.tosend)
}

func TestCloseChannelReleasesPipeAndIsIdempotent(t *testing.T) {
	tn := newTestTunnel(t)
	pipes := newPipePool()
	var monitored int
	tn.front.flags |= flagMonitored
	monitored = 1
	tn.front.tosend = &pipe{rfd: -1, wfd: -1}

	closeChannel(&tn.front, pipes, &monitored)
	assert.Equal(t, -1, tn.front.sock)
	assert.Zero(t, tn.front.flags)
	assert.Nil(t, tn.front.tosend)
	assert.Equal(t, 0, monitored)

	// Second close on an already-closed channel is a no-op.
	closeChannel(&tn.front, pipes, &monitored)
	assert.Equal(t, 0, monitored)
}
