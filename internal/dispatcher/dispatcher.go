// Package dispatcher is the backend-address feed: a pull-style socket
// that the proxy drains non-blocking, once per accepted client, to
// learn which backend to connect that tunnel to. The original links
// libnanomsg directly (nn_socket(AF_SP, NN_PULL)); this reimplements
// the same PULL-socket contract against go.nanomsg.org/mangos, the
// maintained pure-Go nanomsg-protocol library, since binding libnanomsg
// via cgo is not idiomatic Go and nothing else in the retrieval pack
// does that either.
package dispatcher

import (
	"fmt"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// MaxURLBytes is the largest backend URL the feed will hand back
// before the caller must treat it as malformed (spec: "≤128 bytes").
const MaxURLBytes = 128

// recvBuf and reconnectInterval mirror the original's
// NN_RCVBUF/NN_RECONNECT_IVL/NN_RECONNECT_IVL_MAX socket options.
const (
	recvBuf           = 32768
	reconnectInterval = time.Second
)

// Feed is one PULL socket dialed out to one or more dispatcher
// endpoints; engine.Dispatcher is satisfied by *Feed.
type Feed struct {
	sock mangos.Socket
}

// Dial opens the PULL socket and connects it to every given endpoint
// URL, mirroring proxy_init_feeders: each endpoint is dialed
// independently and a failure on any of them is a process-fatal setup
// error (exit code 2 in the original, surfaced here as a plain error
// for cmd/* to decide the exit code).
func Dial(urls ...string) (*Feed, error) {
	sock, err := pull.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: socket: %w", err)
	}

	// mangos has no byte-count receive buffer knob like NN_RCVBUF;
	// OptionReadQLen (messages queued, not bytes) is the closest analog
	// and is set generously so a burst of backend addresses never
	// blocks the dispatcher's sender.
	_ = sock.SetOption(mangos.OptionReadQLen, recvBuf/64)
	_ = sock.SetOption(mangos.OptionReconnectTime, reconnectInterval)
	_ = sock.SetOption(mangos.OptionMaxReconnectTime, reconnectInterval)
	// mangos has no dedicated NN_DONTWAIT recv mode; a 1ms deadline is
	// the closest non-blocking-ish approximation without busy-polling.
	_ = sock.SetOption(mangos.OptionRecvDeadline, time.Millisecond)

	for _, u := range urls {
		if err := sock.Dial(u); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("dispatcher: dial %s: %w", u, err)
		}
	}
	return &Feed{sock: sock}, nil
}

// Next pulls one backend URL non-blocking, mirroring
// nn_recv(..., NN_DONTWAIT): no message queued is reported as an
// error, which proxy.proxyManageEvent treats as dispatcher starvation
// and turns into a per-tunnel abort rather than a process failure.
func (f *Feed) Next() (string, error) {
	msg, err := f.sock.RecvMsg()
	if err != nil {
		return "", fmt.Errorf("dispatcher: recv: %w", err)
	}
	defer msg.Free()
	return string(msg.Body), nil
}

// Close tears down the PULL socket.
func (f *Feed) Close() error {
	return f.sock.Close()
}
