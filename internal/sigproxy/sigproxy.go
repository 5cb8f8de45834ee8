// Package sigproxy bridges POSIX signal delivery into a loop's
// cooperative dispatch via a self-pipe (spec §4.7): an
// async-signal-safe write to a pipe turns an otherwise-asynchronous
// interruption into an ordinary readable-fd event the loop observes
// inside its normal turn.
//
// New (the teacher, gaio, has no signal handling at all); grounded on
// spec §4.7's algorithm directly, and on stdlib os/signal.Notify — Go's
// own async-signal-safe bridge, since Go programs cannot install a raw
// sigaction handler (the runtime owns that). signal.Notify's delivery
// channel already satisfies the async-signal-safety constraint spec.md
// is transcribing from C; the pipe built here exists to multiplex that
// channel onto a single readable fd a Handle can watch through the
// readiness backend, preserving the "bridge into the cooperative
// dispatcher" contract spec.md specifies.
package sigproxy

import (
	"os"
	"os/signal"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var nameToSignal = map[string]os.Signal{}

// Proxy owns the self-pipe and per-signal queue described in spec
// §3/§4.7.
type Proxy struct {
	log *logrus.Logger

	r, w *os.File

	mu      sync.Mutex
	queue   []string       // names pending replay, in enqueue order (spec §5)
	counts  map[string]int // presence+count per signal (resolves §8 scenario (d))
	sigCh   chan os.Signal
	watched map[string]os.Signal

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Proxy with both pipe ends non-blocking.
func New(log *logrus.Logger) (*Proxy, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}

	p := &Proxy{
		log:     log,
		r:       r,
		w:       w,
		counts:  make(map[string]int),
		sigCh:   make(chan os.Signal, 64),
		watched: make(map[string]os.Signal),
		done:    make(chan struct{}),
	}
	go p.relay()
	return p, nil
}

// ReadFD returns the pipe's read end, for a Handle to watch.
func (p *Proxy) ReadFD() int { return int(p.r.Fd()) }

// relay receives from the os/signal channel — the async-signal-safe
// delivery mechanism Go's runtime already provides — and performs the
// handler-side half of the self-pipe algorithm: append to the
// per-signal queue, then write one byte if the queue for that signal
// was previously empty (spec §4.7).
func (p *Proxy) relay() {
	for {
		select {
		case sig, ok := <-p.sigCh:
			if !ok {
				return
			}
			p.mu.Lock()
			name := p.nameForLocked(sig)
			if name == "" {
				// Stop-then-Notify in Unwatch can leave a signal already
				// in flight on the channel after its entry is removed
				// from watched; drop it rather than queue an unkeyed name.
				p.mu.Unlock()
				continue
			}
			wasEmpty := p.counts[name] == 0
			p.counts[name]++
			p.queue = append(p.queue, name)
			p.mu.Unlock()
			if wasEmpty {
				p.w.Write([]byte{1})
			}
		case <-p.done:
			return
		}
	}
}

// nameForLocked reverse-maps a delivered os.Signal back to the short
// registered name callers key on (p.mu must be held). signal.Notify
// hands back the original os.Signal value, not its registered name, so
// this is needed to translate the delivery into something Watch/
// AttachSignal's callers recognize.
func (p *Proxy) nameForLocked(sig os.Signal) string {
	for n, s := range p.watched {
		if s == sig {
			return n
		}
	}
	return ""
}

// Watch installs (or re-confirms) interest in name. At most one OS
// registration per signal is made.
func (p *Proxy) Watch(name string) error {
	sig, err := lookupSignal(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	_, already := p.watched[name]
	if !already {
		p.watched[name] = sig
	}
	p.mu.Unlock()
	if !already {
		signal.Notify(p.sigCh, sig)
		p.log.WithField("signal", name).Info("ioasync: signal proxy installed handler")
	}
	return nil
}

// Unwatch restores the prior disposition for name.
func (p *Proxy) Unwatch(name string) {
	p.mu.Lock()
	sig, ok := p.watched[name]
	delete(p.watched, name)
	delete(p.counts, name)
	p.mu.Unlock()
	if ok {
		signal.Stop(p.sigCh) // conservative: os/signal has no per-signal Stop
		for n, s := range p.watched {
			_ = n
			signal.Notify(p.sigCh, s)
		}
		p.log.WithField("signal", name).Info("ioasync: signal proxy removed handler")
	}
}

// Drain implements the read-side of the self-pipe algorithm (spec
// §4.7 steps 1-4, minus the OS signal mask — see package doc): consume
// pipe bytes, snapshot and clear the queue, and return the signal names
// in enqueue order, one entry per delivery (so a triple HUP delivery
// yields three "HUP" entries — the "implements counting" branch of spec
// §8 scenario (d)).
func (p *Proxy) Drain() []string {
	buf := make([]byte, 4096)
	for {
		n, err := p.r.Read(buf)
		if n == 0 || err != nil {
			break
		}
		if n < len(buf) {
			break
		}
	}

	p.mu.Lock()
	names := p.queue
	p.queue = nil
	for _, n := range names {
		p.counts[n]--
		if p.counts[n] <= 0 {
			delete(p.counts, n)
		}
	}
	p.mu.Unlock()
	return names
}

// Close restores original signal dispositions and releases the pipe
// (spec §4.7 Shutdown).
func (p *Proxy) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		signal.Stop(p.sigCh)
		p.r.Close()
		p.w.Close()
	})
}

func lookupSignal(name string) (os.Signal, error) {
	if sig, ok := nameToSignal[name]; ok {
		return sig, nil
	}
	return nil, &unknownSignalError{name}
}

type unknownSignalError struct{ name string }

func (e *unknownSignalError) Error() string { return "sigproxy: unknown signal " + e.name }

// Register makes name resolvable by Watch/Unwatch/WatchSignal. Callers
// on Unix populate this from syscall.SIGHUP etc. at init time in a
// platform file, keeping this package free of a hardcoded, OS-specific
// name table.
func Register(name string, sig os.Signal) { nameToSignal[name] = sig }
