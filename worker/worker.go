// Package worker implements the off-process worker-function pool of
// spec §4.8: a pool of child processes, each running a single shared Go
// function repeatedly, driven by a length-prefixed framed RPC link.
//
// Grounded on internal/child's re-exec trampoline (the same idiom
// process.go uses for Func children) plus internal/wireframe and
// internal/marshal for the wire; the dispatch-and-wait-queue shape
// mirrors the teacher's watcher in spirit (a bounded pool of workers,
// busy-tracked, serving a FIFO of outstanding requests) generalized
// from one fixed reader goroutine per fd to one child process per
// worker.
package worker

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"github.com/frioux/ioasync/internal/child"
	"github.com/frioux/ioasync/internal/marshal"
	"github.com/frioux/ioasync/internal/wireframe"
)

const serverEntryName = "ioasync-worker-server"

const (
	envFunc      = "IOASYNC_WORKER_FUNC"
	envReadFD    = "IOASYNC_WORKER_READ_FD"
	envWriteFD   = "IOASYNC_WORKER_WRITE_FD"
	envMarshal   = "IOASYNC_WORKER_MARSHALLER"
	marshalFlat  = "flat"
	marshalStore = "storable"
)

// Func is the signature a worker-pool function implements: it receives
// the call's unmarshalled arguments and returns a result or an error,
// the latter becoming an `e`-tagged exception frame (spec §4.8).
type Func func(args []any) (any, error)

var registry = map[string]Func{}

// RegisterFunc makes fn spawnable by name via Pool; call this from an
// init() in the same binary that calls RunIfChild (or this package's
// RunIfWorker) in main, exactly like internal/child.RegisterFunc.
func RegisterFunc(name string, fn Func) { registry[name] = fn }

func init() {
	child.RegisterFunc(serverEntryName, serverMain)
}

// RunIfWorker must be called early in main() alongside
// ioasync.RunIfChild; it is a thin documented alias so a binary hosting
// both Process children and worker children only needs to remember one
// entry-point convention. internal/child.RunIfChild already dispatches
// by looking up the re-exec name this package registered, so calling it
// once covers both.
func RunIfWorker() { child.RunIfChild() }

// serverMain is the child-side entry point: open the RPC link from the
// inherited fds named by env vars, build the configured marshaller, and
// serve frames from the configured function until the link closes
// (spec §4.8's per-worker loop).
func serverMain() int {
	name := os.Getenv(envFunc)
	fn, ok := registry[name]
	if !ok {
		return 1
	}

	readFD := atoiEnv(envReadFD)
	writeFD := atoiEnv(envWriteFD)
	if readFD < 0 || writeFD < 0 {
		return 1
	}
	r := os.NewFile(uintptr(readFD), "worker-rpc-r")
	w := os.NewFile(uintptr(writeFD), "worker-rpc-w")

	var m marshal.Marshaller
	switch os.Getenv(envMarshal) {
	case marshalStore:
		m = marshal.Storable{}
	default:
		m = marshal.Flat{}
	}

	br := bufio.NewReader(r)
	for {
		frame, err := wireframe.ReadFrame(br)
		if err != nil {
			return 0 // EOF or link error: shut down cleanly
		}
		if frame.Tag != wireframe.TagCall {
			continue
		}
		args, err := m.UnmarshalArgs(frame.Payload)
		if err != nil {
			writeException(w, m, frame.CallID, err)
			continue
		}
		ret, err := callGuarded(fn, args)
		if err != nil {
			writeException(w, m, frame.CallID, err)
			continue
		}
		payload, err := m.MarshalRet(ret)
		if err != nil {
			writeException(w, m, frame.CallID, err)
			continue
		}
		wireframe.WriteFrame(w, wireframe.Frame{Tag: wireframe.TagResult, CallID: frame.CallID, Payload: payload})
	}
}

// callGuarded recovers a panicking worker function into an error so a
// single bad call degrades to an exception frame rather than an
// abrupt, unreported child exit.
func callGuarded(fn Func, args []any) (ret any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: panic: %v", r)
		}
	}()
	return fn(args)
}

func writeException(w *os.File, m marshal.Marshaller, callID uint32, cause error) {
	wireframe.WriteFrame(w, wireframe.Frame{Tag: wireframe.TagExc, CallID: callID, Payload: []byte(cause.Error())})
}

func atoiEnv(name string) int {
	n, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return -1
	}
	return n
}
