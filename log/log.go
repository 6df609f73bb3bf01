// Package log is the logging façade shared by the zone, epoch and heap
// packages. It wraps golog the same way bogn gates its own log lines:
// logging is off until a component opts in with LogComponents.
package log

import "sync/atomic"

import golog "github.com/bnclabs/golog"

var logok = int64(0)

// LogComponents enable logging. By default logging is disabled; calling
// with any of "zone", "epoch", "heap", "self" or "all" turns it on. There
// is a single flag, so naming one component enables logging for every
// package.
func LogComponents(components ...string) {
	for _, comp := range components {
		switch comp {
		case "zone", "epoch", "heap", "self", "all":
			atomic.StoreInt64(&logok, 1)
		}
	}
}

// Enabled reports whether LogComponents has switched logging on.
func Enabled() bool {
	return atomic.LoadInt64(&logok) > 0
}

func Debugf(format string, v ...interface{}) {
	if Enabled() {
		golog.Debugf(format, v...)
	}
}

func Errorf(format string, v ...interface{}) {
	if Enabled() {
		golog.Errorf(format, v...)
	}
}

func Fatalf(format string, v ...interface{}) {
	if Enabled() {
		golog.Fatalf(format, v...)
	}
}

func Infof(format string, v ...interface{}) {
	if Enabled() {
		golog.Infof(format, v...)
	}
}

func Tracef(format string, v ...interface{}) {
	if Enabled() {
		golog.Tracef(format, v...)
	}
}

func Verbosef(format string, v ...interface{}) {
	if Enabled() {
		golog.Verbosef(format, v...)
	}
}

func Warnf(format string, v ...interface{}) {
	if Enabled() {
		golog.Warnf(format, v...)
	}
}
