package ioasync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdleQueueDrainIsSnapshotted(t *testing.T) {
	q := newIdleQueue()
	var ran []string
	q.Install(func() {
		ran = append(ran, "first")
		// Installed from within a "later" callback: must defer to the
		// *following* turn (spec §4.1 watch_idle semantics).
		q.Install(func() { ran = append(ran, "second") })
	})

	fns := q.Drain()
	require.Len(t, fns, 1)
	for _, fn := range fns {
		fn()
	}
	require.Equal(t, []string{"first"}, ran)
	require.Equal(t, 1, q.Len())

	fns = q.Drain()
	require.Len(t, fns, 1)
	for _, fn := range fns {
		fn()
	}
	require.Equal(t, []string{"first", "second"}, ran)
}

func TestIdleQueueCancelBeforeDrain(t *testing.T) {
	q := newIdleQueue()
	called := false
	id := q.Install(func() { called = true })
	require.True(t, q.Cancel(id))

	fns := q.Drain()
	require.Empty(t, fns)
	require.False(t, called)
}

func TestIdleQueueCancelAfterSnapshotIsNoOp(t *testing.T) {
	q := newIdleQueue()
	id := q.Install(func() {})
	fns := q.Drain()
	require.False(t, q.Cancel(id))
	require.Len(t, fns, 1)
}
