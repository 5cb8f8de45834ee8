package ioasync

// IdleID identifies a deferred idle callback for cancellation.
type IdleID uint64

type idleEntry struct {
	id IdleID
	fn func()
}

// idleQueue is a FIFO of callbacks deferred to run after the next
// readiness turn completes (spec §4.3). New (added, the teacher's
// proactor design has no analogous concept); grounded on the teacher's
// own pendingCreate/pendingProcessing swap-to-avoid-mutate-during-
// iterate idiom in watcher.go, applied here to idle callbacks instead
// of pending I/O requests.
type idleQueue struct {
	pending []idleEntry
	nextID  IdleID
}

func newIdleQueue() *idleQueue {
	return &idleQueue{}
}

// Install appends fn to the pending list for the next drain.
func (q *idleQueue) Install(fn func()) IdleID {
	q.nextID++
	q.pending = append(q.pending, idleEntry{id: q.nextID, fn: fn})
	return q.nextID
}

// Cancel removes id from the pending list if it has not yet been
// snapshotted into a drain. Cancelling a fired or already-snapshotted
// id is a no-op.
func (q *idleQueue) Cancel(id IdleID) bool {
	for i, e := range q.pending {
		if e.id == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Drain snapshots and clears the currently pending callbacks, returning
// the snapshot. Any Install call made by a callback in the returned
// snapshot lands in q.pending (now empty at snapshot time) and is not
// part of this drain — it runs on the following turn.
func (q *idleQueue) Drain() []func() {
	if len(q.pending) == 0 {
		return nil
	}
	snapshot := q.pending
	q.pending = nil
	fns := make([]func(), len(snapshot))
	for i, e := range snapshot {
		fns[i] = e.fn
	}
	return fns
}

// Len reports the number of callbacks currently pending for the next
// drain (used by Loop's deadline computation — zero timeout whenever
// deferrals are pending).
func (q *idleQueue) Len() int { return len(q.pending) }
