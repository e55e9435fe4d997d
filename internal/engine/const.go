// Package engine implements the splice-based forwarding engine: the
// tunnel/channel state machine, the pipe pool, the zero-copy transfer
// pipeline and the single-threaded epoll event loop that drives them.
package engine

// PipeSize is the capacity every pooled pipe is grown to with
// F_SETPIPE_SZ, and the per-splice chunk size used when draining a
// source socket into a pipe.
const PipeSize = 524288

// MaxEvents bounds the epoll_wait batch size.
const MaxEvents = 64

// MaxChld is the number of independent worker goroutines a "-f" run
// starts, each with its own epoll instance and pipe/tunnel pools.
const MaxChld = 2

// DefaultBacklog is the listen() backlog for the front socket.
const DefaultBacklog = 8192
