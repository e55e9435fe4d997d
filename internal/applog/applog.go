// Package applog is the logging glue around internal/engine: it turns
// the three log sites the original C code has (tunnel birth, tunnel
// abort, and a verbose per-transition DEBUG trace gated by a runtime
// flag instead of a HAVE_DEBUG compile macro) into structured
// logrus.Fields lines, and optionally routes them through syslog for
// daemonized runs the way utils.c's main_log does when MF_DAEMONIZED.
package applog

import (
	"fmt"
	"log/syslog"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
)

// Option configures a Logger at construction time.
type Option func(*Logger)

// Logger wraps a *logrus.Logger behind the three-method contract
// internal/engine.Logger expects, plus the handful of info/error lines
// cmd/* needs for process-fatal reporting.
type Logger struct {
	log   *logrus.Logger
	debug bool
}

// New builds a Logger writing to stderr in text format by default.
func New(opts ...Option) *Logger {
	l := &Logger{log: logrus.New()}
	l.log.SetOutput(os.Stderr)
	l.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithDebug turns on the per-transition trace lines (the original's
// DEBUG macro, gated at runtime by "-v" instead of a build flag).
func WithDebug(on bool) Option {
	return func(l *Logger) {
		l.debug = on
		if on {
			l.log.SetLevel(logrus.DebugLevel)
		}
	}
}

// WithJSON switches the formatter to JSON, for log aggregation.
func WithJSON() Option {
	return func(l *Logger) { l.log.SetFormatter(&logrus.JSONFormatter{}) }
}

// WithSyslog mirrors main_log's MF_DAEMONIZED branch: once daemonized,
// every line goes to syslog facility LOG_LOCAL0 tagged with the
// program's basename, instead of stderr (which daemonize already
// redirected to /dev/null).
func WithSyslog(argv0 string) Option {
	return func(l *Logger) {
		tag := filepath.Base(argv0)
		hook, err := logrus_syslog.NewSyslogHook("", "", syslog.LOG_LOCAL0|syslog.LOG_INFO, tag)
		if err != nil {
			l.log.Warnf("applog: syslog hook unavailable, keeping stderr: %v", err)
			return
		}
		l.log.AddHook(hook)
		l.log.SetOutput(os.NewFile(0, os.DevNull))
	}
}

// TunnelBirth logs a successful tunnel creation: "<id> <from> -> <to>",
// matching proxy_manage_event's ACCESS line.
func (l *Logger) TunnelBirth(id uint64, from, to string) {
	l.log.WithFields(logrus.Fields{"tunnel_id": id, "from": from, "to": to}).Info(fmt.Sprintf("%d %s -> %s", id, from, to))
}

// TunnelAborted logs "Tunnel aborted: <reason>", matching tunnel_abort's LOG line.
func (l *Logger) TunnelAborted(reason string) {
	l.log.WithField("reason", reason).Warn("Tunnel aborted: " + reason)
}

// Debugf emits a per-transition trace line when debug mode is on;
// a no-op call when it's off costs one branch, matching the original's
// near-zero-cost DEBUG() macro in non-debug builds.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.log.Debugf(format, args...)
}

// Infof logs a process-lifecycle informational line (listener bound,
// worker forked, feed connected).
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log.Infof(format, args...)
}

// Fatalf logs a process-fatal line and exits nonzero, matching the
// original's "LOG(...); exit(N)" idiom at bind/epoll_create/nn_socket
// failures. code is the process exit status to use.
func (l *Logger) Fatalf(code int, format string, args ...interface{}) {
	l.log.Errorf(format, args...)
	os.Exit(code)
}
