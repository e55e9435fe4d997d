package engine

import "golang.org/x/sys/unix"

const spliceFlags = unix.SPLICE_F_MOVE | unix.SPLICE_F_MORE | unix.SPLICE_F_NONBLOCK

// channelTransfer drains src's socket into a pipe (reusing the pipe
// already staged on its peer, if any pipeResume left one partially
// full) and immediately tries to flush that pipe toward the peer.
func channelTransfer(src *channel, pipes *pipePool) {
	src.flags &^= flagErroneous

	p := src.peer.tosend
	src.peer.tosend = nil
	if p == nil {
		var err error
		p, err = pipes.acquire()
		if err != nil {
			src.flags |= flagErroneous
			return
		}
	}

	rc, err := unix.Splice(src.sock, nil, p.wfd, nil, PipeSize, spliceFlags)
	switch {
	case err == nil && rc == 0:
		src.events &^= unix.EPOLLIN
		src.flags |= flagShutRecv
	case err != nil:
		src.events &^= unix.EPOLLIN
		if err != unix.EAGAIN {
			src.flags |= flagErroneous
		}
	default:
		p.load += int(rc)
	}

	if p.load <= 0 {
		pipes.release(p)
		return
	}
	src.peer.tosend = p
	pipeResume(src.peer, pipes)
}

// pipeResume flushes dst's staged pipe toward dst.sock, releasing the
// pipe once it's drained or abandoning it on a hard error.
func pipeResume(dst *channel, pipes *pipePool) {
	p := dst.tosend
	dst.tosend = nil
	for p.load > 0 {
		rc, err := unix.Splice(p.rfd, nil, dst.sock, nil, p.load, spliceFlags)
		if err != nil {
			dst.events &^= unix.EPOLLOUT
			if err == unix.EAGAIN {
				dst.tosend = p
			} else {
				dst.flags |= flagErroneous
				pipes.release(p)
			}
			return
		}
		p.load -= int(rc)
	}
	pipes.release(p)
}
