// Command splice-echo is the degenerate sibling of splice-proxy
// spec.md §1 describes: PROGRAM [-f] [-d] FRONT [FRONT...], where each
// accepted connection is spliced back to itself instead of to a
// dispatched backend. Grounded on original_source/echo-tcp-splice.c.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/bg5sbk/lbtk/internal/applog"
	"github.com/bg5sbk/lbtk/internal/engine"
	"github.com/bg5sbk/lbtk/internal/netutil"
	"github.com/bg5sbk/lbtk/internal/procctl"
)

func main() {
	os.Exit(run())
}

func run() int {
	fork := flag.Bool("f", false, "fork MAXCHLD worker goroutines")
	daemonize := flag.Bool("d", false, "daemonize and log to syslog")
	verbose := flag.Bool("v", false, "verbose debug trace")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-f] [-d] FRONT [FRONT...]\n", os.Args[0])
		return 1
	}
	fronts := flag.Args()

	if *daemonize {
		parent, err := procctl.Daemonize()
		if err != nil {
			fmt.Fprintf(os.Stderr, "daemonize() error: %s\n", err)
			return 2
		}
		if parent {
			return 0
		}
	}

	logOpts := []applog.Option{applog.WithDebug(*verbose)}
	if *daemonize {
		logOpts = append(logOpts, applog.WithSyslog(os.Args[0]))
	}
	log := applog.New(logOpts...)

	listenFDs := make([]int, 0, len(fronts))
	for _, front := range fronts {
		fd, err := bindListen(front)
		if err != nil {
			fmt.Fprintf(os.Stderr, "front(%s).bind() failed: %s\n", front, err)
			return 1
		}
		listenFDs = append(listenFDs, fd)
		log.Infof("front(%s) ready", front)
	}
	defer func() {
		for _, fd := range listenFDs {
			_ = unix.Close(fd)
		}
	}()

	ctx, cancel := procctl.WireSignals(context.Background())
	defer cancel()

	workers := 1
	if *fork {
		workers = engine.MaxChld
	}

	worker := func(ctx context.Context, idx int) error {
		srv, err := engine.NewEchoServer(log)
		if err != nil {
			return fmt.Errorf("worker %d: epoll_create: %w", idx, err)
		}
		defer srv.Close()

		for _, fd := range listenFDs {
			dup, err := unix.Dup(fd)
			if err != nil {
				return fmt.Errorf("worker %d: dup: %w", idx, err)
			}
			if err := srv.AddListener(dup); err != nil {
				return fmt.Errorf("worker %d: add listener: %w", idx, err)
			}
		}

		running := int32(1)
		go func() {
			<-ctx.Done()
			atomic.StoreInt32(&running, 0)
		}()
		return srv.Run(&running)
	}

	if err := procctl.RunWorkers(ctx, workers, worker); err != nil {
		fmt.Fprintf(os.Stderr, "echo server failed: %s\n", err)
		return 1
	}
	return 0
}

// bindListen binds, listens and sets SO_REUSEADDR on a fresh
// non-blocking socket for one FRONT URL, mirroring main_init_srv.
func bindListen(front string) (int, error) {
	addr, err := netutil.ParseAddr(front)
	if err != nil {
		return 0, err
	}
	fd, err := unix.Socket(addr.Family(), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	if err := netutil.SetReuseAddr(fd); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	if err := unix.Bind(fd, addr.Sockaddr()); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	if err := unix.Listen(fd, engine.DefaultBacklog); err != nil {
		_ = unix.Close(fd)
		return 0, err
	}
	return fd, nil
}
