// Package async launches background goroutines with panic recovery, so a
// misbehaving task is logged instead of taking the capture service down.
package async

import "runtime/debug"

// PanicLogger is the minimal logging surface a recovered panic is reported
// through.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on a new goroutine. A panic in fn is recovered and logged
// under name.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, also usable directly in hand-rolled
// goroutines.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if name == "" {
		name = "unnamed"
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
}
