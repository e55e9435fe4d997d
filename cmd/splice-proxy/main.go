// Command splice-proxy is the Layer-4 TCP reverse proxy: PROGRAM [-f]
// [-d] FRONT FEED [FEED...]. FRONT is bound and listened on; each
// accepted client is tunneled to a backend address pulled from one of
// the FEED dispatcher endpoints. See internal/engine for the
// forwarding core this command merely wires together.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/bg5sbk/lbtk/internal/applog"
	"github.com/bg5sbk/lbtk/internal/dispatcher"
	"github.com/bg5sbk/lbtk/internal/engine"
	"github.com/bg5sbk/lbtk/internal/procctl"
)

func main() {
	os.Exit(run())
}

func run() int {
	fork := flag.Bool("f", false, "fork MAXCHLD worker goroutines")
	daemonize := flag.Bool("d", false, "daemonize and log to syslog")
	verbose := flag.Bool("v", false, "verbose per-transition debug trace")
	bufferSize := flag.Bool("buffer-size", true, "tune SO_RCVBUF/SO_SNDBUF to match the pipe capacity")
	chattyFront := flag.Bool("chatty-front", true, "TCP_NODELAY on the client-facing socket")
	chattyBack := flag.Bool("chatty-back", true, "TCP_NODELAY on the backend-facing socket")
	flag.Parse()

	if flag.NArg() < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [-f] [-d] FRONT FEED [FEED...]\n", os.Args[0])
		return 1
	}
	front := flag.Arg(0)
	feeds := flag.Args()[1:]

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

	ln, err := procctl.Listen(front)
	if err != nil {
		fmt.Fprintf(os.Stderr, "front(%s).bind() failed: %s\n", front, err)
		return 1
	}
	defer ln.Close()
	log.Infof("front(%s) ready", front)

	opts := engine.Options{
		BufferSize:   *bufferSize,
		ChattyUpdate: *chattyFront || *chattyBack,
		ChattyFront:  *chattyFront,
		ChattyBack:   *chattyBack,
	}

	ctx, cancel := procctl.WireSignals(context.Background())
	defer cancel()

	workers := 1
	if *fork {
		workers = engine.MaxChld
	}

	// Worker failures map to exit status 2 (dispatcher setup) or -1
	// (engine setup or event loop); anything else exits 1.
	errFeed := errors.New("dispatcher setup failed")
	errEpoll := errors.New("engine failure")

	worker := func(ctx context.Context, idx int) error {
		// Each worker dials its own feed connection, mirroring the
		// original's proxy_init_feeders() running once per forked child:
		// workers share no state, including the dispatcher socket.
		feed, err := dispatcher.Dial(feeds...)
		if err != nil {
			return fmt.Errorf("worker %d: feeder.connect: %w: %w", idx, errFeed, err)
		}
		defer feed.Close()
		for _, u := range feeds {
			log.Infof("worker %d: feeder.connect(%s)", idx, u)
		}

		fd, err := ln.RawFD()
		if err != nil {
			return fmt.Errorf("worker %d: rawfd: %w", idx, err)
		}
		eng, err := engine.New(fd, feed, opts, log)
		if err != nil {
			return fmt.Errorf("worker %d: engine.New: %w: %w", idx, errEpoll, err)
		}
		defer eng.Close()

		running := int32(1)
		go func() {
			<-ctx.Done()
			atomic.StoreInt32(&running, 0)
		}()
		if err := eng.Run(&running); err != nil {
			return fmt.Errorf("worker %d: %w: %w", idx, errEpoll, err)
		}
		return nil
	}

	if err := procctl.RunWorkers(ctx, workers, worker); err != nil {
		fmt.Fprintf(os.Stderr, "engine run failed: %s\n", err)
		switch {
		case errors.Is(err, errFeed):
			return 2
		case errors.Is(err, errEpoll):
			return -1
		}
		return 1
	}
	return 0
}
