package netutil

import "golang.org/x/sys/unix"

// SockOpts carries the per-side chattiness toggle the original keeps
// as two free-standing globals (opt_chatty_front/opt_chatty_back).
type SockOpts struct {
	BufferSize  bool
	ChattyFront bool
	ChattyBack  bool
}

// SetReuseAddr sets SO_REUSEADDR, required before bind() on a listener
// that may be rebound across a graceful restart.
func SetReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// SetBufferSizes sets SO_RCVBUF/SO_SNDBUF, sized to line up with the
// pipe capacity on the other side of the splice.
func SetBufferSizes(fd, rcv, snd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcv); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, snd)
}

// SetChatty toggles TCP_NODELAY; "chatty" off means Nagle stays on.
func SetChatty(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}
