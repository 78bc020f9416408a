// Package dispatch coalesces image requests into hunts, runs them on an
// adaptive worker pool and delivers completions in batches.
//
// A [Dispatcher] owns all mutable coordination state: the registry of
// in-flight [Hunter] values keyed by cache key, the pending completion batch
// and the connectivity flags. Every mutation of that state runs on a single
// goroutine that drains a mailbox, so callers and workers only ever send
// messages.
//
// Each [Action] is one caller's interest in a request. Actions that share a
// cache key attach to the same Hunter and receive the same outcome from one
// handler invocation. Cancelling an Action removes only that caller's
// interest; the Hunter is torn down only when nobody else is waiting on it.
package dispatch
