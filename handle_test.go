package ioasync

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetWantReadReadyRejectsUnboundFD(t *testing.T) {
	h := NewHandle(-1, -1)
	err := h.SetWantReadReady(true)
	require.ErrorIs(t, err, ErrUnsupported)
	require.False(t, h.WantReadReady())
}

func TestSetWantReadReadyIsIdempotent(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	h := NewHandle(int(r.Fd()), -1)
	require.NoError(t, h.SetWantReadReady(true))
	require.NoError(t, h.SetWantReadReady(true)) // no-op, not an error
	require.True(t, h.WantReadReady())
}

func TestHandleArmsInterestOnAttachAndDisarmsOnDetach(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	h := NewHandle(int(r.Fd()), -1)
	require.NoError(t, h.SetWantReadReady(true))
	require.NoError(t, l.Add(h))
	require.Contains(t, l.iowatches, int(r.Fd()))

	l.Remove(h)
	require.NotContains(t, l.iowatches, int(r.Fd()))
}

func TestFireHangupInvokesOnHangup(t *testing.T) {
	h := NewHandle(-1, -1)
	var fired bool
	h.OnHangup = func() { fired = true }
	h.fireHangup()
	require.True(t, fired)
}

func TestFireReadReadyIsNoOpWithoutCallback(t *testing.T) {
	h := NewHandle(-1, -1)
	require.NotPanics(t, func() { h.fireReadReady() })
}

func TestWriteReadyFiresWhenPipeDrainable(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := false
	h := NewHandle(-1, int(w.Fd()))
	h.OnWriteReady = func() { fired = true }
	require.NoError(t, l.Add(h))
	require.NoError(t, h.SetWantWriteReady(true))

	require.NoError(t, l.LoopOnce(time.Second))
	require.True(t, fired)
}
