package ioasync

import (
	"sync"
	"time"

	"github.com/frioux/ioasync/internal/backend"
	"github.com/frioux/ioasync/internal/child"
	"github.com/frioux/ioasync/internal/sigproxy"
	"github.com/sirupsen/logrus"
)

// defaultSignalWaitCap mitigates a signal arriving between the handler
// check and the backend syscall (spec §4.1), applied whenever a signal
// proxy is installed.
const defaultSignalWaitCap = time.Second

// LoopConfig configures a Loop's tunables. The zero value is not
// directly usable; use DefaultLoopConfig or Loop's constructors, which
// apply it. Grounded on the pack's YAML-configuration convention (see
// config.go) — ambient, carried regardless of spec's "packaging /
// logging setup" Non-goal, per SPEC_FULL.md.
type LoopConfig struct {
	// SignalWaitCap bounds how long a turn may block when a signal
	// proxy is installed, even with no nearer timer deadline.
	SignalWaitCap time.Duration `yaml:"signal_wait_cap"`
	// Logger receives lifecycle and failure diagnostics. Nil is
	// replaced with a discard-level logger (bassosimone-nop's
	// DefaultSLogger convention, adapted to logrus).
	Logger *logrus.Logger `yaml:"-"`
}

// DefaultLoopConfig returns the configuration a plain Default()/New()
// Loop uses.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{SignalWaitCap: defaultSignalWaitCap, Logger: discardLogger()}
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Loop is the process-wide dispatcher (spec §2 component E, §3). It
// owns the readiness backend, timer queue, idle deferral list, signal
// proxy, and the tree of attached root notifiers, and drives one turn
// (LoopOnce) or runs until stopped (Run/Stop).
//
// Grounded on the teacher's watcher type (watcher.go): watcher owns
// pfd/timeouts/descs the same way Loop owns backend/timequeue/
// iowatches, but where the teacher dispatches on its own background
// goroutine via channels, Loop is a direct, synchronous, single-
// threaded dispatcher per spec §5 ("Strictly single-threaded
// cooperative... Suspension points: only inside loop_once").
type Loop struct {
	cfg LoopConfig

	be backend.Backend

	notifiers map[uint64]Notifier // root notifiers, keyed by stable id (spec §3)
	iowatches map[int]*Handle     // fd -> owning handle (spec §3 invariant: one triple per fd)

	timers  *timerQueue
	idle    *idleQueue
	sigs    *sigproxy.Proxy
	sigfd   int
	sigHook *Handle

	sigwatch map[string][]func(os string) // signal name -> ordered callbacks (low-level, §4.1)

	childwatches  map[int][]func(ExitStatus) // pid -> handlers; pid 0 is the wildcard slot
	childReapHook bool                       // true once the SIGCHLD proxy watch is installed

	runDepth int
	stopped  []bool // per nesting depth, set by Stop
	results  []any

	closed bool
}

var (
	defaultLoop     *Loop
	defaultLoopOnce sync.Once
)

// Default returns the process-wide cached Loop instance (spec §3's
// "magic constructor"). The first call constructs it with New(); later
// calls return the same instance.
func Default() *Loop {
	defaultLoopOnce.Do(func() {
		l, err := New()
		if err != nil {
			panic(err) // poll(2) backend construction does not fail in practice
		}
		defaultLoop = l
	})
	return defaultLoop
}

// New constructs an explicit Loop with the default poll(2) backend, for
// advanced callers who do not want the shared Default() instance (spec
// §3).
func New() (*Loop, error) {
	return NewWithBackend(backend.New(), DefaultLoopConfig())
}

// NewWithBackend constructs a Loop over a caller-supplied readiness
// backend, the extension point spec §6 specifies.
func NewWithBackend(be backend.Backend, cfg LoopConfig) (*Loop, error) {
	if cfg.SignalWaitCap <= 0 {
		cfg.SignalWaitCap = defaultSignalWaitCap
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	l := &Loop{
		cfg:          cfg,
		be:           be,
		notifiers:    make(map[uint64]Notifier),
		iowatches:    make(map[int]*Handle),
		timers:       newTimerQueue(),
		idle:         newIdleQueue(),
		sigwatch:     make(map[string][]func(string)),
		childwatches: make(map[int][]func(ExitStatus)),
		sigfd:        -1,
	}
	return l, nil
}

// Add attaches a root notifier (and, recursively, all of its
// descendants) to the loop (spec §3).
func (l *Loop) Add(n Notifier) error {
	b := n.base()
	if b.parent != nil || b.loop != nil {
		return ErrAlreadyAttached
	}
	l.notifiers[b.id] = n
	setLoop(n, l)
	switch v := n.(type) {
	case *Handle:
		l.registerHandleReadiness(v)
	case *Stream:
		l.registerHandleReadiness(&v.Handle)
	case *Listener:
		l.registerHandleReadiness(&v.Handle)
	}
	return nil
}

// Remove detaches a root notifier (and its descendants) from the loop.
func (l *Loop) Remove(n Notifier) {
	b := n.base()
	delete(l.notifiers, b.id)
	switch v := n.(type) {
	case *Handle:
		l.unregisterHandleReadiness(v)
	case *Stream:
		l.unregisterHandleReadiness(&v.Handle)
	case *Listener:
		l.unregisterHandleReadiness(&v.Handle)
	}
	setLoop(n, nil)
	if b.onClosed != nil {
		b.onClosed()
	}
}

func (l *Loop) registerHandleReadiness(h *Handle) {
	if h.wantReadReady {
		_ = l.WatchIO(h, backend.Read)
	}
	if h.wantWriteReady {
		_ = l.WatchIO(h, backend.Write)
	}
}

func (l *Loop) unregisterHandleReadiness(h *Handle) {
	if h.readFD >= 0 {
		_ = l.UnwatchIO(h, backend.Read)
	}
	if h.writeFD >= 0 {
		_ = l.UnwatchIO(h, backend.Write)
	}
}

// WatchIO registers h's interest in dirs with the backend, replacing
// any prior registration for the same (fd, direction) pair — spec
// §4.1's watch_io. Fails with ErrUnsupported if Hangup is requested on a
// backend that cannot report it.
func (l *Loop) WatchIO(h *Handle, dirs backend.Direction) error {
	if dirs.Has(backend.Hangup) && l.be.APIVersion() < backend.HangupCapableVersion {
		return ErrUnsupported
	}
	if dirs.Has(backend.Read) && h.readFD >= 0 {
		l.iowatches[h.readFD] = h
		if err := l.be.WatchIO(h.readFD, backend.Read); err != nil {
			return newError(KindBackendFailure, "watch_io", err)
		}
	}
	if dirs.Has(backend.Write) && h.writeFD >= 0 {
		l.iowatches[h.writeFD] = h
		if err := l.be.WatchIO(h.writeFD, backend.Write); err != nil {
			return newError(KindBackendFailure, "watch_io", err)
		}
	}
	return nil
}

// UnwatchIO removes h's interest in dirs. Silently a no-op if not
// present; releases the fd's watch entry once all directions clear
// (spec §4.1's unwatch_io).
func (l *Loop) UnwatchIO(h *Handle, dirs backend.Direction) error {
	if dirs.Has(backend.Read) && h.readFD >= 0 {
		_ = l.be.UnwatchIO(h.readFD, backend.Read)
		if cur, ok := l.iowatches[h.readFD]; ok && cur == h && !h.wantWriteReady {
			delete(l.iowatches, h.readFD)
		}
	}
	if dirs.Has(backend.Write) && h.writeFD >= 0 {
		_ = l.be.UnwatchIO(h.writeFD, backend.Write)
		if cur, ok := l.iowatches[h.writeFD]; ok && cur == h && !h.wantReadReady {
			delete(l.iowatches, h.writeFD)
		}
	}
	return nil
}

// WatchTime schedules code to run at the given absolute deadline (spec
// §4.1's watch_time). Use time.Now().Add(d) for a "delay" style call.
func (l *Loop) WatchTime(at time.Time, code func()) TimerID {
	return l.timers.Enqueue(at, code)
}

// UnwatchTime cancels a previously scheduled timer; idempotent no-op if
// unknown or already fired.
func (l *Loop) UnwatchTime(id TimerID) { l.timers.Cancel(id) }

// WatchIdle defers code to run after the next readiness turn completes
// (spec §4.1's watch_idle).
func (l *Loop) WatchIdle(code func()) IdleID { return l.idle.Install(code) }

// UnwatchIdle cancels a pending idle deferral.
func (l *Loop) UnwatchIdle(id IdleID) { l.idle.Cancel(id) }

// WatchSignal installs a single low-level callback for name, replacing
// any previous installation for name directly (the low-level API; most
// callers want AttachSignal, which multiplexes many callbacks per
// signal — spec §4.1).
func (l *Loop) WatchSignal(name string, code func(signal string)) error {
	if err := l.ensureSignalProxy(); err != nil {
		return err
	}
	l.sigwatch[name] = []func(string){code}
	return l.sigs.Watch(name)
}

// UnwatchSignal removes name's installation entirely.
func (l *Loop) UnwatchSignal(name string) {
	delete(l.sigwatch, name)
	if l.sigs != nil {
		l.sigs.Unwatch(name)
	}
}

// AttachSignal multiplexes code onto name's delivery, alongside any
// other callback already attached to the same signal (spec §4.1).
func (l *Loop) AttachSignal(name string, code func(signal string)) error {
	if err := l.ensureSignalProxy(); err != nil {
		return err
	}
	if _, ok := l.sigwatch[name]; !ok {
		if err := l.sigs.Watch(name); err != nil {
			return err
		}
	}
	l.sigwatch[name] = append(l.sigwatch[name], code)
	return nil
}

func (l *Loop) ensureSignalProxy() error {
	if l.sigs != nil {
		return nil
	}
	p, err := sigproxy.New(l.cfg.Logger)
	if err != nil {
		return newError(KindBackendFailure, "signal_proxy", err)
	}
	l.sigs = p
	l.sigHook = NewHandle(p.ReadFD(), -1)
	l.sigHook.OnReadReady = func() {
		names := l.sigs.Drain()
		for _, name := range names {
			for _, cb := range l.sigwatch[name] {
				cb(name)
			}
		}
	}
	if err := l.Add(l.sigHook); err != nil {
		return err
	}
	return l.sigHook.SetWantReadReady(true)
}

// WatchChild installs code to run when pid exits (spec §4.1's
// watch_child). pid=0 is a persistent wildcard handler invoked for
// every child that exits, after any handlers installed for that pid;
// non-zero pid handlers auto-remove after firing. The first call lazily
// installs a SIGCHLD proxy watch that drives delivery (spec §4.6's
// "reaps non-blockingly in a loop" on every SIGCHLD turn). For a
// non-zero pid, one non-blocking wait is attempted at install time; if
// the child has already exited, delivery is deferred to the idle queue.
func (l *Loop) WatchChild(pid int, code func(ExitStatus)) {
	l.childwatches[pid] = append(l.childwatches[pid], code)
	l.ensureChildReaper()
	if pid != 0 {
		if status, exited, _ := child.Wait4NoHang(pid); exited {
			l.WatchIdle(func() { l.deliverChildExit(pid, status) })
		}
	}
}

// UnwatchChild removes all handlers installed for pid.
func (l *Loop) UnwatchChild(pid int) { delete(l.childwatches, pid) }

// ensureChildReaper attaches the SIGCHLD handler, once, that sweeps every
// exited child via child.ReapAll and delivers each to deliverChildExit —
// the piece of spec §4.6 that actually drives WatchChild callbacks for
// children still running at watch-install time (the Wait4NoHang calls in
// WatchChild and at Spawn cover the already-exited race, spec §8
// scenario (e)).
func (l *Loop) ensureChildReaper() {
	if l.childReapHook {
		return
	}
	l.childReapHook = true
	if err := l.AttachSignal("CHLD", func(string) {
		for _, rc := range child.ReapAll() {
			l.deliverChildExit(rc.Pid, rc.Status)
		}
	}); err != nil {
		l.childReapHook = false
		l.cfg.Logger.WithError(err).Warn("ioasync: failed to install SIGCHLD reaper")
	}
}

// deliverChildExit dispatches status to pid's handlers (removing them,
// satisfying invariant §8.2) and the wildcard handlers (kept resident) —
// used by ensureChildReaper's SIGCHLD handler.
func (l *Loop) deliverChildExit(pid int, status ExitStatus) {
	for _, cb := range l.childwatches[pid] {
		cb(status)
	}
	delete(l.childwatches, pid)
	for _, cb := range l.childwatches[0] {
		cb(status)
	}
}

// effectiveTimeout computes the deadline to pass to the backend for one
// turn, per spec §4.1: min(user timeout, next-timer-minus-now clamped
// >= 0, zero if idle deferrals pending, signal-wait cap if a proxy is
// installed).
func (l *Loop) effectiveTimeout(userTimeout time.Duration) time.Duration {
	timeout := userTimeout

	if next, ok := l.timers.NextDeadline(); ok {
		d := time.Until(next)
		if d < 0 {
			d = 0
		}
		if timeout < 0 || d < timeout {
			timeout = d
		}
	}

	if l.idle.Len() > 0 {
		timeout = 0
	}

	if l.sigs != nil {
		if timeout < 0 || l.cfg.SignalWaitCap < timeout {
			timeout = l.cfg.SignalWaitCap
		}
	}

	return timeout
}

// LoopOnce runs a single turn: computes the effective deadline, invokes
// the backend, dispatches fired I/O callbacks, drains due timers, then
// drains idle deferrals that were pending before this turn started
// (spec §4.1). A negative timeout means "wait indefinitely" subject to
// the deadline computation above.
func (l *Loop) LoopOnce(timeout time.Duration) error {
	if l.closed {
		return ErrWatcherClosed
	}

	eff := l.effectiveTimeout(timeout)

	events, err := l.be.Wait(nil, eff)
	if err != nil {
		l.cfg.Logger.WithError(err).Warn("ioasync: backend wait failed")
		return newError(KindBackendFailure, "loop_once", err)
	}

	// I/O callbacks fire before timers before deferrals (spec §4.1).
	for _, ev := range events {
		h, ok := l.iowatches[ev.Fd]
		if !ok {
			continue // notifier removed mid-turn; tolerate per spec §9
		}
		if ev.Dirs.Has(backend.Read) && h.readFD == ev.Fd && h.wantReadReady {
			h.fireReadReady()
		}
		if ev.Dirs.Has(backend.Write) && h.writeFD == ev.Fd && h.wantWriteReady {
			h.fireWriteReady()
		}
		if ev.Dirs.Has(backend.Hangup) {
			h.fireHangup()
		}
	}

	for _, fn := range l.timers.Fire(time.Now()) {
		fn()
	}

	for _, fn := range l.idle.Drain() {
		fn()
	}

	return nil
}

// Run drives LoopOnce repeatedly until Stop is called at this nesting
// depth, returning Stop's result. Run is re-entrant: a callback run from
// inside one Run may itself call Run, and the innermost active Run
// captures the next Stop (spec §4.1, §5).
func (l *Loop) Run() any {
	depth := l.runDepth
	l.runDepth++
	l.stopped = append(l.stopped, false)
	l.results = append(l.results, nil)
	defer func() {
		l.runDepth--
		l.stopped = l.stopped[:len(l.stopped)-1]
		l.results = l.results[:len(l.results)-1]
	}()

	for !l.stopped[depth] {
		if err := l.LoopOnce(-1); err != nil {
			panic(err) // LoopOnce returns an error only for a backend
			// failure or a closed loop; a bare Run has no caller to hand
			// it to, so it propagates out of Run as a panic.
		}
	}
	return l.results[depth]
}

// Stop ends the innermost active Run, which returns result.
func (l *Loop) Stop(result any) {
	depth := len(l.stopped) - 1
	if depth < 0 {
		return
	}
	l.stopped[depth] = true
	l.results[depth] = result
}

// Close releases the loop's backend and signal proxy resources.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.sigs != nil {
		l.sigs.Close()
	}
	return l.be.Close()
}
