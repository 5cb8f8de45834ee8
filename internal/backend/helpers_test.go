//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package backend

import (
	"os"
	"testing"
)

func pipe(t *testing.T) (*os.File, *os.File, error) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return r, w, nil
}
