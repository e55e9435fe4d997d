package engine

// Dispatcher is the minimal contract the engine needs from the
// backend-address feed: pull one URL, or report that none is queued
// or the transport failed.
type Dispatcher interface {
	Next() (string, error)
}

// Logger is the minimal contract the engine needs from the logging
// layer; internal/applog.Logger satisfies it.
type Logger interface {
	TunnelBirth(id uint64, from, to string)
	TunnelAborted(reason string)
	Debugf(format string, args ...interface{})
}
