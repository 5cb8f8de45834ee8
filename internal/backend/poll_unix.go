//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package backend

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollBackend implements Backend with poll(2), chosen over an
// epoll/kqueue-only implementation because unix.Poll is available across
// every OS in the teacher's build-tag matrix (see DESIGN.md). It is not
// the fastest possible backend, only a portable reference one — Backend
// is the real extension point.
type pollBackend struct {
	mu    sync.Mutex
	dirs  map[int]Direction
	order []int // stable fd iteration order for deterministic-per-turn reporting
}

// New returns a poll(2)-based Backend.
func New() Backend {
	return &pollBackend{dirs: make(map[int]Direction)}
}

func (b *pollBackend) APIVersion() int { return HangupCapableVersion }

func (b *pollBackend) WatchIO(fd int, dirs Direction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.dirs[fd]; !ok {
		b.order = append(b.order, fd)
	}
	b.dirs[fd] |= dirs
	return nil
}

func (b *pollBackend) UnwatchIO(fd int, dirs Direction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.dirs[fd]
	if !ok {
		return nil
	}
	cur &^= dirs
	if cur == 0 {
		delete(b.dirs, fd)
		b.removeFromOrder(fd)
		return nil
	}
	b.dirs[fd] = cur
	return nil
}

func (b *pollBackend) removeFromOrder(fd int) {
	for i, f := range b.order {
		if f == fd {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

func toPollEvents(dirs Direction) int16 {
	var ev int16
	if dirs.Has(Read) {
		ev |= unix.POLLIN
	}
	if dirs.Has(Write) {
		ev |= unix.POLLOUT
	}
	return ev
}

func (b *pollBackend) Wait(dst []Event, timeout time.Duration) ([]Event, error) {
	b.mu.Lock()
	fds := make([]unix.PollFd, len(b.order))
	for i, fd := range b.order {
		fds[i] = unix.PollFd{Fd: int32(fd), Events: toPollEvents(b.dirs[fd])}
	}
	b.mu.Unlock()

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}

	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	if n == 0 {
		return dst, nil
	}

	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		var dirs Direction
		if pfd.Revents&(unix.POLLIN|unix.POLLPRI) != 0 {
			dirs |= Read
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			dirs |= Write
		}
		if pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			dirs |= Hangup
		}
		if dirs != 0 {
			dst = append(dst, Event{Fd: int(pfd.Fd), Dirs: dirs})
		}
	}
	return dst, nil
}

func (b *pollBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirs = nil
	b.order = nil
	return nil
}
