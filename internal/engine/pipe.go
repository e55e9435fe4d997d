package engine

import "golang.org/x/sys/unix"

// pipe is one anonymous kernel pipe, grown to PipeSize via
// F_SETPIPE_SZ and reused across tunnels once drained.
type pipe struct {
	load     int
	rfd, wfd int
}

// pipePool is a free list of pipes backed by a slice rather than the
// original's intrusive next-pointer list: acquiring pops the tail,
// releasing appends to it.
type pipePool struct {
	idle []*pipe
}

func newPipePool() *pipePool {
	return &pipePool{}
}

// acquire returns an idle pipe, opening a fresh pipe pair if the free
// list is empty or the recycled entry has no open fds (release
// discarded it while it still held data, or an earlier open failed
// and it was pushed back idle anyway).
func (pp *pipePool) acquire() (*pipe, error) {
	var p *pipe
	if n := len(pp.idle); n > 0 {
		p = pp.idle[n-1]
		pp.idle = pp.idle[:n-1]
		if p.rfd > 0 && p.wfd > 0 {
			return p, nil
		}
	} else {
		p = &pipe{}
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		pp.release(p)
		return nil, err
	}
	p.rfd, p.wfd = fds[0], fds[1]
	p.load = 0
	// Best-effort: a pipe that can't be grown still works, just with
	// the kernel's default capacity.
	_, _ = unix.FcntlInt(uintptr(p.wfd), unix.F_SETPIPE_SZ, PipeSize)
	return p, nil
}

// release returns a pipe to the idle list. A pipe still holding
// buffered data is torn down instead of recycled, mirroring
// pipe_release's "close on non-empty" rule (a pipe with data in
// flight can't safely be handed to an unrelated tunnel).
func (pp *pipePool) release(p *pipe) {
	if p == nil {
		return
	}
	if p.load > 0 {
		_ = unix.Close(p.rfd)
		_ = unix.Close(p.wfd)
		p.rfd, p.wfd = -1, -1
		p.load = 0
	}
	pp.idle = append(pp.idle, p)
}

// purge closes every idle pipe's fds, for process shutdown.
func (pp *pipePool) purge() {
	for _, p := range pp.idle {
		if p.rfd > 0 {
			_ = unix.Close(p.rfd)
		}
		if p.wfd > 0 {
			_ = unix.Close(p.wfd)
		}
	}
	pp.idle = nil
}
