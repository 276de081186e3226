// Package klog provides the kernel's structured logging sink.
//
// Logging is an infrastructure cross-cutting concern: every subsystem
// (thread, vm, fs, disk) needs to emit the same kind of structured event,
// so a single package-level logger is configured once, at boot, and used
// everywhere else. This mirrors the package-level logger design used by
// the event loop this kernel borrows its shape from.
package klog

import (
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Event is the concrete logiface event type backing L, bound to zerolog.
type Event = izerolog.Event

// L is the package-level kernel logger. It defaults to a zerolog writer on
// stderr at informational level; call Configure during boot to replace it.
var L = New(zerolog.New(os.Stderr).With().Timestamp().Logger(), logiface.LevelInformational)

// New constructs a logiface logger backed by the given zerolog.Logger.
func New(z zerolog.Logger, level logiface.Level) *logiface.Logger[*Event] {
	return logiface.New[*Event](
		izerolog.WithZerolog(z),
		logiface.WithLevel[*Event](level),
	)
}

// Configure replaces the package-level logger, e.g. to raise verbosity for
// a debugging session or to redirect output for tests.
func Configure(logger *logiface.Logger[*Event]) {
	L = logger
}
