package engine

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// testLogger is a no-op engine.Logger, just loud enough on TunnelAborted
// that a test can assert on the reason via a channel.
type testLogger struct {
	aborted chan string
}

func newTestLogger() *testLogger { return &testLogger{aborted: make(chan string, 8)} }

func (l *testLogger) TunnelBirth(uint64, string, string) {}
func (l *testLogger) TunnelAborted(reason string) {
	select {
	case l.aborted <- reason:
	default:
	}
}
func (l *testLogger) Debugf(string, ...interface{}) {}

// fixedFeed is a Dispatcher that always hands back the same backend
// URL, or always fails if none is configured (backend starvation).
type fixedFeed struct {
	url string
	err error
}

func (f *fixedFeed) Next() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func bindLoopbackListener(t *testing.T) (fd int, addr string) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(fd, 16))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	sa4 := sa.(*unix.SockaddrInet4)
	addr = (&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sa4.Port}).String()
	return fd, addr
}

// startRawEchoBackend listens on a random loopback port with the
// standard library (plenty fast enough to be the "backend" side of a
// tunnel under test) and echoes every byte it receives back verbatim.
func startRawEchoBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 32*1024)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						if _, werr := conn.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func runEngineInBackground(t *testing.T, e *Engine) *int32 {
	t.Helper()
	running := int32(1)
	done := make(chan error, 1)
	go func() { done <- e.Run(&running) }()
	t.Cleanup(func() {
		atomic.StoreInt32(&running, 0)
		_ = e.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return &running
}

// TestProxyHappyPathEchoesByteExact is scenario S2: client connects,
// sends a payload, half-closes, and must receive the identical bytes
// back followed by EOF once the backend finishes.
func TestProxyHappyPathEchoesByteExact(t *testing.T) {
	backend := startRawEchoBackend(t)
	listenFD, frontAddr := bindLoopbackListener(t)

	log := newTestLogger()
	e, err := New(listenFD, &fixedFeed{url: backend}, Options{BufferSize: true}, log)
	require.NoError(t, err)
	runEngineInBackground(t, e)

	conn, err := net.Dial("tcp", frontAddr)
	require.NoError(t, err)
	defer conn.Close()

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		if err == nil {
			err = conn.(*net.TCPConn).CloseWrite()
		}
		writeErr <- err
	}()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 32*1024)
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for len(got) < len(payload) {
		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			require.NoError(t, err, "unexpected read error before payload complete")
		}
	}
	require.NoError(t, <-writeErr)
	assert.Equal(t, payload, got)

	// EOF propagation (invariant 8): after the half-close drains, the
	// backend also half-closes and the client sees a clean EOF.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
	_ = err
}

// TestProxyHalfCloseBothSidesShutdown is scenario S5.
func TestProxyHalfCloseBothSidesShutdown(t *testing.T) {
	backend := startRawEchoBackend(t)
	listenFD, frontAddr := bindLoopbackListener(t)

	log := newTestLogger()
	e, err := New(listenFD, &fixedFeed{url: backend}, Options{}, log)
	require.NoError(t, err)
	runEngineInBackground(t, e)

	conn, err := net.Dial("tcp", frontAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("Q"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "Q", string(buf[:n]))

	n, err = conn.Read(buf)
	assert.Zero(t, n)
	assert.Error(t, err)
}

// TestProxyBackendRefusalAbortsTunnel is scenario S3: a backend that
// refuses the connection gets the client disconnected immediately and
// logs "connect() error".
func TestProxyBackendRefusalAbortsTunnel(t *testing.T) {
	listenFD, frontAddr := bindLoopbackListener(t)

	log := newTestLogger()
	// Port 1 on loopback is not listening; connect() will fail fast.
	e, err := New(listenFD, &fixedFeed{url: "127.0.0.1:1"}, Options{}, log)
	require.NoError(t, err)
	runEngineInBackground(t, e)

	conn, err := net.Dial("tcp", frontAddr)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16)
	n, _ := conn.Read(buf)
	assert.Zero(t, n)

	select {
	case reason := <-log.aborted:
		assert.Contains(t, reason, "connect() error")
	case <-time.After(5 * time.Second):
		t.Fatal("expected a tunnel-aborted log for the refused backend")
	}
}

// TestProxyDispatcherStarvationAbortsTunnel is boundary property 9: a
// client that arrives with no backend address available
// is disconnected and the slot is reclaimed, not wedged.
func TestProxyDispatcherStarvationAbortsTunnel(t *testing.T) {
	listenFD, frontAddr := bindLoopbackListener(t)

	log := newTestLogger()
	e, err := New(listenFD, &fixedFeed{err: assertStarvedErr}, Options{}, log)
	require.NoError(t, err)
	runEngineInBackground(t, e)

	conn, err := net.Dial("tcp", frontAddr)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case reason := <-log.aborted:
		assert.Contains(t, reason, "backend starvation")
	case <-time.After(5 * time.Second):
		t.Fatal("expected a tunnel-aborted log for dispatcher starvation")
	}
	assert.Equal(t, 0, e.proxy.pipesCount, "the aborted tunnel's admission slot must be reclaimed")
}

var assertStarvedErr = errStarved{}

type errStarved struct{}

func (errStarved) Error() string { return "no message queued" }
