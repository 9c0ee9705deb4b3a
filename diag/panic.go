// Package diag collects the kernel core's diagnostic surface: the fatal
// panic/halt path, call-stack dumps, lightweight trace-gated counters, a
// concurrent-safe name registry for token/vector diagnostics, and a
// scheduler profile dump.
package diag

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
)

// Log is the kernel core's structured logger, wrapping log/slog the way
// rcornwell-S370's util/logger package wraps slog for that emulator's
// console output, in place of a bare fmt.Printf.
var Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// Halt is closed by Panic to signal a halt to any goroutine receiving from
// it. It plays the same "one global channel, many receivers" role an
// out-of-memory notification channel plays elsewhere in this style of
// kernel: close() wakes every receiver, where a plain send would only
// wake one. No goroutine in this module receives from Halt, so closing
// it stops none of the simulated CPUs by itself.
var Halt = make(chan struct{})

var haltOnce sync.Once

// Panic renders msg together with the call stack of the panicking
// goroutine, closes Halt (see there: other simulated CPUs keep running),
// and then panics for real so the calling goroutine unwinds. This
// operation is terminal for the caller: the core recognizes no recovery
// path.
func Panic(msg string) {
	trace := Callerdump(2)
	Log.Error("kernel panic", "msg", msg, "stack", trace)
	haltOnce.Do(func() { close(Halt) })
	panic(msg)
}

// Callerdump renders the call stack starting start frames up from its own
// caller, returning a string instead of printing directly so Panic can
// fold it into a single structured log record.
func Callerdump(start int) string {
	i := start
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d", f, l)
		} else {
			s += fmt.Sprintf("\n\t<-%s:%d", f, l)
		}
	}
	return s
}

// Assert panics via Panic if cond is false. The scheduler's own invariant
// checks (an empty run set during dispatch, releasing an unheld token)
// call Panic directly rather than going through Assert.
func Assert(cond bool, msg string) {
	if !cond {
		Panic(msg)
	}
}
