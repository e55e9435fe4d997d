// Package procctl is the process-lifecycle glue spec.md §1 calls
// "out of scope" for the core engine but still requires: picking up
// the front listener (optionally from systemd socket activation),
// wiring SIGINT/SIGTERM to the engine's running flag, ignoring
// SIGPIPE/USR1/USR2 the way utils.c's main_init does, and supervising
// the "-f" worker fan-out.
//
// The original's "-f" forks MAXCHLD sibling processes that each accept
// off the same inherited listening socket. A real os.fork() has no
// idiomatic Go equivalent (no fork-then-return-in-child), so workers
// here are goroutines instead, each dup'ing the listener fd into its
// own independent engine.Engine with its own epoll instance — the
// concurrency model spec.md §5 already describes ("workers share no
// state") holds just as well across goroutines as across processes.
package procctl

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudflare/tableflip"
	"github.com/coreos/go-systemd/v22/activation"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Listener owns the bound, listening front socket plus whatever
// machinery (tableflip, systemd) is keeping it alive across restarts.
type Listener struct {
	ln  net.Listener
	upg *tableflip.Upgrader
}

// Listen brings up the front listener. It tries systemd socket
// activation first (LISTEN_FDS set by the service manager); failing
// that it falls back to a tableflip-managed bind. Only the bind goes
// through tableflip: nothing here calls Upgrade(), so no signal
// triggers a zero-downtime restart.
func Listen(addr string) (*Listener, error) {
	if fromSystemd, err := activation.Listeners(); err == nil && len(fromSystemd) > 0 {
		if fromSystemd[0] == nil {
			return nil, fmt.Errorf("procctl: systemd handed a nil listener")
		}
		return &Listener{ln: fromSystemd[0]}, nil
	}

	upg, err := tableflip.New(tableflip.Options{})
	if err != nil {
		return nil, fmt.Errorf("procctl: tableflip.New: %w", err)
	}
	ln, err := upg.Listen("tcp", addr)
	if err != nil {
		upg.Stop()
		return nil, fmt.Errorf("procctl: listen %s: %w", addr, err)
	}
	if err := upg.Ready(); err != nil {
		upg.Stop()
		return nil, fmt.Errorf("procctl: tableflip.Ready: %w", err)
	}
	return &Listener{ln: ln, upg: upg}, nil
}

// RawFD hands back a dup'd, non-blocking fd suitable for
// engine.New/unix.Accept4; the caller owns the returned fd and must
// close it itself (the *net.TCPListener keeps its own copy alive).
func (l *Listener) RawFD() (int, error) {
	sc, ok := l.ln.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("procctl: listener has no raw fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("procctl: SyscallConn: %w", err)
	}
	var dup int
	var dupErr error
	err = raw.Control(func(fd uintptr) {
		dup, dupErr = unix.Dup(int(fd))
	})
	if err != nil {
		return 0, fmt.Errorf("procctl: Control: %w", err)
	}
	if dupErr != nil {
		return 0, fmt.Errorf("procctl: dup: %w", dupErr)
	}
	if err := unix.SetNonblock(dup, true); err != nil {
		_ = unix.Close(dup)
		return 0, fmt.Errorf("procctl: set nonblock: %w", err)
	}
	return dup, nil
}

// Close stops tableflip (if any) and closes the managed listener
// (the original's equivalent is close(sock_front) at shutdown).
func (l *Listener) Close() error {
	if l.upg != nil {
		l.upg.Stop()
	}
	return l.ln.Close()
}

// Exit returns a channel closed when tableflip wants this process to
// wind down (the upgrader was stopped or an Upgrade() completed). With
// no tableflip upgrader (systemd-activation path) it returns a channel
// that is never closed.
func (l *Listener) Exit() <-chan struct{} {
	if l.upg == nil {
		ch := make(chan struct{})
		return ch
	}
	return l.upg.Exit()
}

// WireSignals ignores SIGPIPE/USR1/USR2 exactly as utils.c's
// sighandler_noop does, and returns a context that is cancelled on
// SIGINT or SIGTERM. SIGSTOP is deliberately not registered: the
// kernel delivers it directly to the process and a userspace handler
// for it is a no-op in practice (spec.md §9's own open-question
// conclusion), so dropping it here changes nothing observable.
func WireSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	signal.Ignore(syscall.SIGPIPE, syscall.SIGUSR1, syscall.SIGUSR2)
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// RunWorkers supervises n independent copies of run (the MAXCHLD
// fan-out), each passed its own index. The first worker to return an
// error cancels the rest via errgroup's derived context; run
// implementations are expected to watch ctx.Done() and clear their
// engine's running flag promptly.
func RunWorkers(ctx context.Context, n int, run func(ctx context.Context, worker int) error) error {
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		worker := i
		group.Go(func() error {
			return run(gctx, worker)
		})
	}
	return group.Wait()
}

// Daemonize detaches the process the way utils.c's main_run does
// (daemon(1,0): fork, setsid, chdir unchanged since nochdir=1, stdio
// to /dev/null since noclose=0 is not requested). Go has no daemon(3);
// this re-execs itself once with Setsid so the child is orphaned from
// the controlling terminal, then the parent exits 0 immediately.
// Callers should check the returned bool: true means "you are the
// original parent, exit now", false means "you are the daemonized
// child, keep running".
func Daemonize() (parent bool, err error) {
	if os.Getenv("LBTK_DAEMONIZED") == "1" {
		devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return false, fmt.Errorf("procctl: open %s: %w", os.DevNull, err)
		}
		os.Stdin, os.Stdout, os.Stderr = devnull, devnull, devnull
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("procctl: os.Executable: %w", err)
	}
	env := append(os.Environ(), "LBTK_DAEMONIZED=1")
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false, fmt.Errorf("procctl: open %s: %w", os.DevNull, err)
	}
	proc, err := os.StartProcess(exe, os.Args, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{devnull, devnull, devnull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return false, fmt.Errorf("procctl: StartProcess: %w", err)
	}
	_ = proc.Release()
	return true, nil
}
