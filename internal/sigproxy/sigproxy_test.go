//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package sigproxy

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io_Discard{})
	return l
}

type io_Discard struct{}

func (io_Discard) Write(p []byte) (int, error) { return len(p), nil }

func TestProxyCoalescesAndDrains(t *testing.T) {
	p, err := New(quietLogger())
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Watch("USR1"))

	self, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, self.Signal(syscall.SIGUSR1))
	require.NoError(t, self.Signal(syscall.SIGUSR1))

	// Give the relay goroutine time to observe delivery and poke the
	// pipe.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		n := len(p.queue)
		p.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	names := p.Drain()
	require.Equal(t, []string{"USR1", "USR1"}, names)

	// Invariant §8.3: queue empty iff pipe has no readable bytes after
	// drain completes.
	p.mu.Lock()
	require.Empty(t, p.queue)
	p.mu.Unlock()
}

func TestProxyUnwatchStopsDelivery(t *testing.T) {
	p, err := New(quietLogger())
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Watch("USR2"))
	p.Unwatch("USR2")

	self, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, self.Signal(syscall.SIGUSR2))

	time.Sleep(50 * time.Millisecond)
	names := p.Drain()
	require.Empty(t, names)
}
