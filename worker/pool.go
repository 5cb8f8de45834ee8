package worker

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	ioasync "github.com/frioux/ioasync"
	"github.com/frioux/ioasync/internal/child"
	"github.com/frioux/ioasync/internal/marshal"
	"github.com/frioux/ioasync/internal/wireframe"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// StreamMode selects the transport a worker's RPC link uses (spec
// §4.8's `stream` policy option).
type StreamMode int

const (
	// StreamAuto prefers a bidirectional socketpair, falling back to
	// two pipes if that fails (spec §4.8 verbatim).
	StreamAuto StreamMode = iota
	StreamSocket
	StreamPipe
)

// MarshallerMode selects the payload codec (spec §4.8's `marshaller`
// policy option; see internal/marshal).
type MarshallerMode int

const (
	MarshalFlat MarshallerMode = iota
	MarshalStorable
)

// Cause tags why a call's callback resolved with an error other than
// the worker function's own returned error (spec §4.8's "tagged by
// cause").
type Cause string

const (
	CauseExit     Cause = "exit"
	CauseClosed   Cause = "closed"
	CauseDie      Cause = "die"
	CauseShutdown Cause = "shutdown"
)

// CallError is the error a pending call's callback receives when its
// worker dies, its pipe closes, or the pool shuts down before a result
// arrives.
type CallError struct {
	Cause Cause
	Err   error
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("worker: %s", e.Cause)
	}
	return fmt.Sprintf("worker: %s: %v", e.Cause, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// PoolConfig enumerates the policy table of spec §4.8.
type PoolConfig struct {
	// Workers is the target/maximum concurrency.
	Workers int `yaml:"workers"`
	// Stream picks the RPC transport.
	Stream StreamMode `yaml:"stream"`
	// Marshaller picks the payload codec.
	Marshaller MarshallerMode `yaml:"marshaller"`
	// ExitOnDie terminates a worker after it reports an uncaught
	// exception, forcing a respawn on its next dispatch.
	ExitOnDie bool `yaml:"exit_on_die"`
	// Setup is applied, in order, to every spawned worker in addition
	// to the pool's own RPC-link wiring.
	Setup []child.SetupOp `yaml:"-"`
	// KeepSignals is stored with the config; spawning a worker does not
	// consult it. Workers are started through os/exec, whose exec resets
	// caught signal dispositions to default; ignored dispositions are
	// inherited whatever this flag says.
	KeepSignals bool `yaml:"keep_signals"`
}

// DefaultPoolConfig is a reasonable starting point: four flat-marshaller
// workers over an auto-selected transport.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Workers: 4, Stream: StreamAuto, Marshaller: MarshalFlat}
}

type pendingCall struct {
	callID   uint32
	corrID   string // debug-only correlation id for log lines; never sent on the wire
	onResult func(any, error)
}

type queuedCall struct {
	args     []any
	onResult func(any, error)
}

type workerRecord struct {
	pid     int
	stream  *ioasync.Stream
	busy    bool
	current *pendingCall
	dead    bool
}

// Pool is the worker-function pool of spec §4.8: N child processes
// sharing one registered worker.Func, dispatched to over a framed RPC
// link with per-worker ordering and a pool-wide wait-queue when every
// worker is busy.
type Pool struct {
	cfg        PoolConfig
	loop       *ioasync.Loop
	funcName   string
	marshaller marshal.Marshaller

	workers    []*workerRecord
	waitQueue  []queuedCall
	nextCallID uint32

	shuttingDown bool

	log *logrus.Logger
}

// NewPool constructs a pool dispatching calls to the Func registered
// under funcName (via RegisterFunc), attached to loop.
func NewPool(loop *ioasync.Loop, funcName string, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	var m marshal.Marshaller
	switch cfg.Marshaller {
	case MarshalStorable:
		m = marshal.Storable{}
	default:
		m = marshal.Flat{}
	}
	return &Pool{
		cfg:        cfg,
		loop:       loop,
		funcName:   funcName,
		marshaller: m,
		log:        discardLogger(),
	}
}

// SetLogger overrides the pool's diagnostic logger.
func (p *Pool) SetLogger(log *logrus.Logger) {
	if log != nil {
		p.log = log
	}
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(b []byte) (int, error) { return len(b), nil }

// Call dispatches args to a non-busy worker, spawning one if the pool
// is under its configured maximum, else queueing (spec §4.8's dispatch
// selection, verbatim).
func (p *Pool) Call(args []any, onResult func(any, error)) {
	if p.shuttingDown {
		onResult(nil, &CallError{Cause: CauseShutdown})
		return
	}
	for _, w := range p.workers {
		if !w.busy {
			p.dispatchTo(w, args, onResult)
			return
		}
	}
	if len(p.workers) < p.cfg.Workers {
		w, err := p.spawnWorker()
		if err != nil {
			onResult(nil, err)
			return
		}
		p.workers = append(p.workers, w)
		p.dispatchTo(w, args, onResult)
		return
	}
	p.waitQueue = append(p.waitQueue, queuedCall{args: args, onResult: onResult})
}

// Outstanding reports the number of calls currently dispatched plus
// queued, for tests and diagnostics.
func (p *Pool) Outstanding() int {
	n := len(p.waitQueue)
	for _, w := range p.workers {
		if w.busy {
			n++
		}
	}
	return n
}

// Workers reports the current live worker count.
func (p *Pool) Workers() int { return len(p.workers) }

func (p *Pool) dispatchTo(w *workerRecord, args []any, onResult func(any, error)) {
	payload, err := p.marshaller.MarshalArgs(args)
	if err != nil {
		onResult(nil, err)
		return
	}
	callID := p.nextCallID
	p.nextCallID++

	var buf bytes.Buffer
	if err := wireframe.WriteFrame(&buf, wireframe.Frame{Tag: wireframe.TagCall, CallID: callID, Payload: payload}); err != nil {
		onResult(nil, err)
		return
	}

	corrID := uuid.New().String()
	w.busy = true
	w.current = &pendingCall{callID: callID, corrID: corrID, onResult: onResult}
	p.log.WithFields(logrus.Fields{"pid": w.pid, "call_id": callID, "corr_id": corrID}).Debug("worker: dispatching call")
	w.stream.Write(buf.Bytes())
}

func (p *Pool) serveNext(w *workerRecord) {
	if len(p.waitQueue) == 0 {
		return
	}
	next := p.waitQueue[0]
	p.waitQueue = p.waitQueue[1:]
	p.dispatchTo(w, next.args, next.onResult)
}

func (p *Pool) handleFrame(w *workerRecord, frame wireframe.Frame) {
	cur := w.current
	if cur == nil || cur.callID != frame.CallID {
		p.log.WithFields(logrus.Fields{"pid": w.pid, "call_id": frame.CallID}).
			Warn("worker: frame for unknown or stale call id, dropping")
		return
	}
	w.current = nil
	w.busy = false
	p.log.WithFields(logrus.Fields{"pid": w.pid, "call_id": cur.callID, "corr_id": cur.corrID}).
		Debug("worker: call resolved")

	switch frame.Tag {
	case wireframe.TagResult:
		ret, err := p.marshaller.UnmarshalRet(frame.Payload)
		cur.onResult(ret, err)
		p.serveNext(w)
	case wireframe.TagExc:
		cur.onResult(nil, &ioasync.Error{Kind: ioasync.KindWorker, Op: "call", Err: fmt.Errorf("%s", frame.Payload)})
		if p.cfg.ExitOnDie {
			p.retireWorker(w)
		} else {
			p.serveNext(w)
		}
	default:
		p.log.WithField("tag", frame.Tag).Warn("worker: unexpected frame tag from child, ignoring")
	}
}

// terminateWorker handles an abnormal link break (pipe closed or a hard
// I/O error): deliver the in-flight call (if any) with cause, remove
// the worker, and close its resources.
func (p *Pool) terminateWorker(w *workerRecord, cause Cause, err error) {
	if w.dead {
		return
	}
	w.dead = true
	p.removeWorker(w)
	if w.current != nil {
		cur := w.current
		w.current = nil
		cur.onResult(nil, &CallError{Cause: cause, Err: err})
	}
	w.stream.Close()
}

// retireWorker closes a worker's resources after its in-flight call's
// result has already been delivered (the ExitOnDie path); it does not
// re-deliver to w.current, which the caller has already cleared.
func (p *Pool) retireWorker(w *workerRecord) {
	if w.dead {
		return
	}
	w.dead = true
	p.removeWorker(w)
	w.stream.Close()
}

func (p *Pool) removeWorker(w *workerRecord) {
	for i, cand := range p.workers {
		if cand == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return
		}
	}
}

// Shutdown drains pending and in-flight calls with CauseShutdown and
// tears down every worker's pipes so each observes EOF on its input
// (spec §4.8). Workers are closed concurrently via errgroup, matching
// the pack's errgroup-based concurrent-teardown convention.
func (p *Pool) Shutdown() error {
	p.shuttingDown = true

	pending := p.waitQueue
	p.waitQueue = nil
	for _, q := range pending {
		q.onResult(nil, &CallError{Cause: CauseShutdown})
	}

	var g errgroup.Group
	workers := p.workers
	for _, w := range workers {
		w := w
		g.Go(func() error {
			p.terminateWorker(w, CauseShutdown, nil)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) spawnWorker() (*workerRecord, error) {
	mode := p.cfg.Stream
	var parentRead, parentWrite *os.File
	var childReadFD, childWriteFD int
	var dupOps []child.SetupOp
	var parentCleanup []*os.File

	trySocket := func() error {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			return err
		}
		parentRead = os.NewFile(uintptr(fds[0]), "worker-rpc")
		parentWrite = parentRead
		childFile := os.NewFile(uintptr(fds[1]), "worker-rpc-child")
		dupOps = []child.SetupOp{child.Dup(3, int(childFile.Fd()))}
		childReadFD, childWriteFD = 3, 3
		parentCleanup = []*os.File{childFile}
		return nil
	}
	tryPipe := func() error {
		toChild0, toChild1, err := os.Pipe() // parent writes toChild1, child reads toChild0
		if err != nil {
			return err
		}
		fromChild0, fromChild1, err := os.Pipe() // child writes fromChild1, parent reads fromChild0
		if err != nil {
			toChild0.Close()
			toChild1.Close()
			return err
		}
		parentRead = fromChild0
		parentWrite = toChild1
		dupOps = []child.SetupOp{
			child.Dup(3, int(toChild0.Fd())),
			child.Dup(4, int(fromChild1.Fd())),
		}
		childReadFD, childWriteFD = 3, 4
		parentCleanup = []*os.File{toChild0, fromChild1}
		return nil
	}

	switch mode {
	case StreamSocket:
		if err := trySocket(); err != nil {
			return nil, newSpawnError(err)
		}
	case StreamPipe:
		if err := tryPipe(); err != nil {
			return nil, newSpawnError(err)
		}
	default:
		if err := trySocket(); err != nil {
			if err := tryPipe(); err != nil {
				return nil, newSpawnError(err)
			}
		}
	}

	marshalName := marshalFlat
	if p.cfg.Marshaller == MarshalStorable {
		marshalName = marshalStore
	}

	setup := append(append([]child.SetupOp(nil), p.cfg.Setup...), dupOps...)
	res, err := child.Spawn(child.Options{
		Func:  serverEntryName,
		Setup: setup,
		ExtraEnv: map[string]string{
			envFunc:    p.funcName,
			envReadFD:  strconv.Itoa(childReadFD),
			envWriteFD: strconv.Itoa(childWriteFD),
			envMarshal: marshalName,
		},
	})
	if err != nil {
		return nil, newSpawnError(err)
	}
	// The worker's re-exec never fails between fork and exec in a way
	// distinct from a normal early exit (it is the same binary, not an
	// external command), so an early crash surfaces as CauseClosed on
	// the RPC link rather than via this pipe; nothing monitors it.
	res.ErrPipeRead.Close()
	for _, f := range parentCleanup {
		f.Close()
	}

	stream := ioasync.NewStream(int(parentRead.Fd()), int(parentWrite.Fd()))
	w := &workerRecord{pid: res.Pid, stream: stream}

	stream.OnError = func(err error) { p.terminateWorker(w, CauseDie, err) }
	stream.SetOnRead(func(buf *ioasync.RecvBuffer, eof bool) ioasync.ConsumerResult {
		for {
			frame, n, err := wireframe.DecodeFrame(buf.Bytes())
			if err != nil {
				p.terminateWorker(w, CauseDie, err)
				return ioasync.ConsumeStop
			}
			if n == 0 {
				if eof {
					p.terminateWorker(w, CauseClosed, nil)
					return ioasync.ConsumeStop
				}
				return ioasync.ConsumeStop
			}
			buf.Take(n)
			p.handleFrame(w, frame)
		}
	})
	if err := p.loop.Add(stream); err != nil {
		return nil, err
	}

	p.loop.WatchChild(res.Pid, func(status ioasync.ExitStatus) {
		p.terminateWorker(w, CauseExit, nil)
	})

	return w, nil
}

func newSpawnError(err error) error {
	return &ioasync.Error{Kind: ioasync.KindSpawn, Op: "worker_spawn", Err: err}
}
