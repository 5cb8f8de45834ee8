package ioasync

import "github.com/frioux/ioasync/internal/backend"

// Handle is a Notifier bound to one read fd and/or one write fd (spec
// §3/§4.1's Handle notifier). Changing WantReadReady/WantWriteReady
// while attached to a loop immediately arms or disarms the
// corresponding interest via the loop's WatchIO/UnwatchIO, per spec's
// stated invariant.
//
// New (no direct teacher equivalent — gaio registers interest per
// pending aiocb rather than exposing a standing want-ready toggle);
// grounded on the teacher's per-fd readers/writers bookkeeping in
// fdDesc, generalized into an explicit boolean property pair.
type Handle struct {
	Base

	readFD, writeFD int // -1 if unbound

	wantReadReady, wantWriteReady bool

	OnReadReady  func()
	OnWriteReady func()
	OnHangup     func()
}

// NewHandle creates a detached Handle. Pass -1 for a direction with no
// fd bound to it. A single fd bound to both directions is created by
// passing the same value twice.
func NewHandle(readFD, writeFD int) *Handle {
	return &Handle{Base: newBase(), readFD: readFD, writeFD: writeFD}
}

// ReadFD returns the fd this handle reads from, or -1.
func (h *Handle) ReadFD() int { return h.readFD }

// WriteFD returns the fd this handle writes to, or -1.
func (h *Handle) WriteFD() int { return h.writeFD }

// WantReadReady reports whether this handle currently wants read
// readiness callbacks.
func (h *Handle) WantReadReady() bool { return h.wantReadReady }

// WantWriteReady reports whether this handle currently wants write
// readiness callbacks.
func (h *Handle) WantWriteReady() bool { return h.wantWriteReady }

// SetWantReadReady toggles read-readiness interest. want=true requires
// a bound ReadFD (spec §3 Handle invariant). If attached to a loop, the
// change is applied immediately.
func (h *Handle) SetWantReadReady(want bool) error {
	if want && h.readFD < 0 {
		return ErrUnsupported
	}
	if h.wantReadReady == want {
		return nil
	}
	h.wantReadReady = want
	if l := h.Loop(); l != nil {
		if want {
			return l.WatchIO(h, backend.Read)
		}
		return l.UnwatchIO(h, backend.Read)
	}
	return nil
}

// SetWantWriteReady toggles write-readiness interest, symmetric to
// SetWantReadReady.
func (h *Handle) SetWantWriteReady(want bool) error {
	if want && h.writeFD < 0 {
		return ErrUnsupported
	}
	if h.wantWriteReady == want {
		return nil
	}
	h.wantWriteReady = want
	if l := h.Loop(); l != nil {
		if want {
			return l.WatchIO(h, backend.Write)
		}
		return l.UnwatchIO(h, backend.Write)
	}
	return nil
}

// fireReadReady and fireWriteReady are invoked by Loop during
// dispatch; they call through to OnReadReady/OnWriteReady if set.
func (h *Handle) fireReadReady() {
	if h.OnReadReady != nil {
		h.OnReadReady()
	}
}

func (h *Handle) fireWriteReady() {
	if h.OnWriteReady != nil {
		h.OnWriteReady()
	}
}

func (h *Handle) fireHangup() {
	if h.OnHangup != nil {
		h.OnHangup()
	}
}
