// Package async wraps goroutine creation so background work never takes the
// process down with an unrecovered panic.
package async

import (
	"runtime/debug"
)

// PanicLogger is the minimal logging surface this package needs. It matches
// the error arm of logging.Logger without importing it.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on a new goroutine and logs a recovered panic together with the
// goroutine's name and a stack trace. Long-lived background work must be
// started through Go rather than a bare go statement.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, exported for callers that manage their
// own goroutines but want the same panic containment.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Error("goroutine %q panicked: %v\n%s", name, r, debug.Stack())
		}
	}
}
