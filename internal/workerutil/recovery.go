// Package workerutil guards long-lived goroutines against panics.
package workerutil

import (
	"log/slog"
	"runtime/debug"
)

// Protect runs fn on the calling goroutine. A panic is recovered, logged
// with its stack, and handed to onPanic (may be nil). The hub's long-lived
// loops — controller actors, socket pumps, the PTY reader — must never take
// the process down over one bad frame.
func Protect(worker string, fn func(), onPanic func(recovered any)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[ERROR-PANIC] worker panicked",
				"worker", worker,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			if onPanic != nil {
				onPanic(r)
			}
		}
	}()
	fn()
}

// Go runs Protect on a new goroutine.
func Go(worker string, fn func(), onPanic func(recovered any)) {
	go Protect(worker, fn, onPanic)
}
