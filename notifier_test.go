package ioasync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddChildPropagatesLoopToDescendants(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	parent := NewHandle(-1, -1)
	child := NewHandle(-1, -1)
	grandchild := NewHandle(-1, -1)

	require.NoError(t, AddChild(parent, child))
	require.NoError(t, AddChild(child, grandchild))
	require.False(t, grandchild.Attached())

	require.NoError(t, l.Add(parent))
	require.True(t, child.Attached())
	require.True(t, grandchild.Attached())
	require.Same(t, l, grandchild.Loop())
}

func TestRemoveChildDetachesSubtreeAndFiresOnClosed(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	parent := NewHandle(-1, -1)
	child := NewHandle(-1, -1)
	require.NoError(t, l.Add(parent))
	require.NoError(t, AddChild(parent, child))
	require.True(t, child.Attached())

	var closed bool
	child.OnClosed(func() { closed = true })

	RemoveChild(parent, child)
	require.False(t, child.Attached())
	require.Nil(t, child.Parent())
	require.True(t, closed)
}

func TestRemoveRootRemovesWholeSubtree(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	parent := NewHandle(-1, -1)
	child := NewHandle(-1, -1)
	require.NoError(t, l.Add(parent))
	require.NoError(t, AddChild(parent, child))

	l.Remove(parent)
	require.False(t, parent.Attached())
	require.False(t, child.Attached())
}

func TestAddChildRejectsAlreadyAttachedChild(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	a := NewHandle(-1, -1)
	b := NewHandle(-1, -1)
	require.NoError(t, l.Add(a))
	require.NoError(t, l.Add(b))

	err = AddChild(a, b)
	require.ErrorIs(t, err, ErrAlreadyAttached)
}

func TestEachNotifierHasAStableUniqueID(t *testing.T) {
	a := NewHandle(-1, -1)
	b := NewHandle(-1, -1)
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, a.ID(), a.ID())
}
