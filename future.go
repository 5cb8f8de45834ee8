package ioasync

import "time"

// Future is the cooperative awaitable handle spec §9 directs: rather
// than the source's "callbacks or exceptions" dichotomy, Await drives
// LoopOnce repeatedly until the result resolves or a configured timeout
// elapses, whichever is sooner, returning a single result-or-error pair
// (spec §5's "a future-like returned by helper APIs... completes when
// the underlying worker returns or when a configurable per-call timeout
// elapses").
type Future[T any] struct {
	done    bool
	value   T
	err     error
	timeout time.Duration // <=0 means no timeout
}

// NewFuture returns an unresolved Future. timeout, if positive, bounds
// how long Await will drive the loop before giving up with ErrDeadline.
func NewFuture[T any](timeout time.Duration) *Future[T] {
	return &Future[T]{timeout: timeout}
}

// Resolve completes the future with a value. Only the first call has an
// effect; later calls are ignored, matching a one-shot completion
// contract.
func (f *Future[T]) Resolve(v T) {
	if f.done {
		return
	}
	f.done = true
	f.value = v
}

// Reject completes the future with an error.
func (f *Future[T]) Reject(err error) {
	if f.done {
		return
	}
	f.done = true
	f.err = err
}

// Done reports whether the future has resolved or rejected.
func (f *Future[T]) Done() bool { return f.done }

// Await drives l.LoopOnce until this future resolves, rejects, or (if a
// timeout was configured) the deadline elapses. It is re-entrant safe
// the same way Loop.Run is: a callback dispatched from inside Await's
// own LoopOnce calls may itself Await a different future.
func (f *Future[T]) Await(l *Loop) (T, error) {
	var deadline time.Time
	hasDeadline := f.timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(f.timeout)
	}

	for !f.done {
		wait := time.Duration(-1)
		if hasDeadline {
			wait = time.Until(deadline)
			if wait <= 0 {
				var zero T
				return zero, ErrDeadline
			}
		}
		if err := l.LoopOnce(wait); err != nil {
			var zero T
			return zero, err
		}
	}
	return f.value, f.err
}
