// Package ioasync is a reactor-style asynchronous I/O core for a single
// process. It multiplexes byte streams, timers, POSIX signals, child
// processes, and off-loaded blocking work over one thread of control by
// registering interest with a readiness-polling backend and dispatching
// callbacks when it reports events.
//
// The entry point is Loop: construct one with Default or New, register
// interest with WatchIO/WatchTime/WatchIdle/WatchSignal/WatchChild, and
// drive it with LoopOnce or Run/Stop. Notifier, Handle, and Stream build
// higher-level objects on top of a Loop's registrations; Listener,
// internal/child, and worker.Pool build further still.
package ioasync
