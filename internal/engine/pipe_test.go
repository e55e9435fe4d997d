package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPipePoolAcquireOpensRealPipe(t *testing.T) {
	pp := newPipePool()
	p, err := pp.acquire()
	require.NoError(t, err)
	defer pp.purge()

	assert.Greater(t, p.rfd, 0)
	assert.Greater(t, p.wfd, 0)
	assert.Zero(t, p.load)

	n, err := unix.Write(p.wfd, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPipePoolReleaseRecyclesEmptyPipe(t *testing.T) {
	pp := newPipePool()
	p, err := pp.acquire()
	require.NoError(t, err)

	rfd, wfd := p.rfd, p.wfd
	pp.release(p)
	require.Len(t, pp.idle, 1)

	// An empty pipe's fds are reusable as-is, not torn down.
	assert.Equal(t, rfd, pp.idle[0].rfd)
	assert.Equal(t, wfd, pp.idle[0].wfd)

	pp.purge()
}

func TestPipePoolReleaseDiscardsNonEmptyPipe(t *testing.T) {
	pp := newPipePool()
	p, err := pp.acquire()
	require.NoError(t, err)
	p.load = 10

	pp.release(p)
	require.Len(t, pp.idle, 1)
	assert.Equal(t, -1, pp.idle[0].rfd)
	assert.Equal(t, -1, pp.idle[0].wfd)
	assert.Zero(t, pp.idle[0].load)
}

func TestPipePoolAcquireReopensDiscardedPipe(t *testing.T) {
	pp := newPipePool()
	p, err := pp.acquire()
	require.NoError(t, err)
	p.load = 1
	pp.release(p)

	reacquired, err := pp.acquire()
	require.NoError(t, err)
	assert.Greater(t, reacquired.rfd, 0)
	assert.Greater(t, reacquired.wfd, 0)
	pp.purge()
}

func TestPipePoolReleaseNilIsNoop(t *testing.T) {
	pp := newPipePool()
	pp.release(nil)
	assert.Empty(t, pp.idle)
}
