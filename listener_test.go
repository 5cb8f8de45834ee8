package ioasync

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tcpListenerFD starts a loopback TCP listener and extracts its fd via
// ListenerFD, mirroring the teacher's aio_test.go echoServer harness
// pattern (net.Listen + direct fd manipulation) generalized to this
// package's accept-loop model.
func tcpListenerFD(t *testing.T) (fd int, addr string, cleanup func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fd, err = ListenerFD(ln)
	require.NoError(t, err)
	addr = ln.Addr().String()
	return fd, addr, func() { ln.Close() }
}

func TestRawListenerDeliversAcceptedFD(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	fd, addr, cleanup := tcpListenerFD(t)
	defer cleanup()

	acceptedCh := make(chan int, 1)
	ln := NewRawListener(fd, func(connFD int) { acceptedCh <- connFD })
	require.NoError(t, l.Add(ln))
	require.NoError(t, ln.Start())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, l.LoopOnce(time.Second))

	select {
	case connFD := <-acceptedCh:
		require.GreaterOrEqual(t, connFD, 0)
	default:
		t.Fatal("expected acceptLoop to deliver an accepted fd")
	}
}

func TestStreamListenerWrapsAcceptedConnInStream(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	fd, addr, cleanup := tcpListenerFD(t)
	defer cleanup()

	gotCh := make(chan *Stream, 1)
	ln := NewStreamListener(fd, func(s *Stream) {
		s.SetOnRead(func(buf *RecvBuffer, eof bool) ConsumerResult { return ConsumeStop })
		l.Add(s)
		gotCh <- s
	})
	require.NoError(t, l.Add(ln))
	require.NoError(t, ln.Start())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, l.LoopOnce(time.Second))

	select {
	case s := <-gotCh:
		require.True(t, s.Attached())
	default:
		t.Fatal("expected acceptLoop to construct and attach a Stream")
	}
}

func TestFactoryListenerReportsAcceptErrorOnAttachFailure(t *testing.T) {
	// Resolves the Open Question recorded in DESIGN.md: when a
	// factory-built notifier fails to attach, the failure reaches
	// OnAcceptError.
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	fd, addr, cleanup := tcpListenerFD(t)
	defer cleanup()

	var acceptErr error
	ln := NewFactoryListener(fd, func(connFD int) Notifier {
		h := NewHandle(connFD, connFD)
		// Pre-attach h to a different, unrelated loop so AddChild fails
		// with ErrAlreadyAttached, simulating an attach failure.
		other, _ := New()
		other.Add(h)
		return h
	})
	ln.OnAcceptError = func(fd int, err error) { acceptErr = err }
	require.NoError(t, l.Add(ln))
	require.NoError(t, ln.Start())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, l.LoopOnce(time.Second))
	require.Error(t, acceptErr)
}
