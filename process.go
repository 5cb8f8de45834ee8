package ioasync

import (
	"io"
	"os"
	"sync"

	"github.com/frioux/ioasync/internal/child"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ExitStatus is the child's derived wait status (spec §4.6): raw
// platform status plus the booleans a caller actually wants.
type ExitStatus = child.ExitStatus

// SetupOp is re-exported so callers assemble fd-setup DSL lists without
// importing the internal package directly.
type SetupOp = child.SetupOp

// Setup DSL constructors, re-exported from internal/child (spec §6).
var (
	CloseFD  = child.Close
	KeepFD   = child.Keep
	DupFD    = child.Dup
	OpenFD   = child.Open
	EnvFiles = child.Env
	StdinFD  = child.Stdin
	StdoutFD = child.Stdout
	StderrFD = child.Stderr
)

// RegisterChildFunc and RunIfChild re-export internal/child's re-exec
// trampoline for spec §4.6's "runs the code block" spawn variant.
var (
	RegisterChildFunc = child.RegisterFunc
	RunIfChild        = child.RunIfChild
)

// SpawnOptions configures Process.Spawn (spec §4.6's spawn(command|code,
// setup)).
type SpawnOptions struct {
	// Path/Args exec a command. Mutually exclusive with Func.
	Path string
	Args []string

	// Func names a function registered with RegisterChildFunc to run
	// in the child instead of exec'ing a command.
	Func string

	Setup []SetupOp

	// CaptureStdout/CaptureStderr, if true, give the returned Process
	// a Stdout()/Stderr() *Stream reading the child's output.
	CaptureStdout bool
	CaptureStderr bool
	// ProvideStdin, if true, gives the returned Process a Stdin()
	// *Stream the caller writes to feed the child's input.
	ProvideStdin bool

	OnFinish func(ExitStatus)
	// OnException fires instead of OnFinish when the child reported a
	// pre-exec failure over its error pipe, or (for Func children) an
	// uncaught panic.
	OnException func(msg string, status ExitStatus)
}

// Process is the high-level composition of internal/child (module J)
// with Stream (module H) for stdin/stdout/stderr capture, per spec
// §4.6/K. Grounded on srgg-blecli/internal/ptyio's "wrap a raw
// process with typed read/write callbacks and an error callback" shape.
type Process struct {
	Base

	pid int

	stdin  *Stream
	stdout *Stream
	stderr *Stream

	errBuf []byte

	onFinish    func(ExitStatus)
	onException func(msg string, status ExitStatus)

	mu        sync.Mutex
	gotStatus bool
	status    ExitStatus
	gotEOF    bool
	delivered bool

	log *logrus.Logger
}

// Pid returns the child's process id.
func (p *Process) Pid() int { return p.pid }

// Stdin returns the Stream writing to the child's stdin, or nil if
// ProvideStdin was not requested.
func (p *Process) Stdin() *Stream { return p.stdin }

// Stdout returns the Stream reading the child's stdout, or nil if
// CaptureStdout was not requested.
func (p *Process) Stdout() *Stream { return p.stdout }

// Stderr returns the Stream reading the child's stderr, or nil if
// CaptureStderr was not requested.
func (p *Process) Stderr() *Stream { return p.stderr }

func (p *Process) children() []Notifier {
	var out []Notifier
	if p.stdin != nil {
		out = append(out, p.stdin)
	}
	if p.stdout != nil {
		out = append(out, p.stdout)
	}
	if p.stderr != nil {
		out = append(out, p.stderr)
	}
	return out
}
func (p *Process) addChild(Notifier)    {}
func (p *Process) removeChild(Notifier) {}

var _ parented = (*Process)(nil)

// Spawn forks/execs (or re-execs a registered code block) per opts and
// attaches the resulting Process to l, matching spec §4.6 exactly: the
// merge discipline waits for both error-pipe EOF and waitpid before
// delivering OnFinish/OnException, order-insensitive.
func Spawn(l *Loop, opts SpawnOptions) (*Process, error) {
	setup := append([]SetupOp(nil), opts.Setup...)

	var stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW *os.File
	var err error
	if opts.ProvideStdin {
		stdinR, stdinW, err = os.Pipe()
		if err != nil {
			return nil, err
		}
		setup = append(setup, DupFD(0, int(stdinR.Fd())))
	}
	if opts.CaptureStdout {
		stdoutR, stdoutW, err = os.Pipe()
		if err != nil {
			return nil, err
		}
		setup = append(setup, DupFD(1, int(stdoutW.Fd())))
	}
	if opts.CaptureStderr {
		stderrR, stderrW, err = os.Pipe()
		if err != nil {
			return nil, err
		}
		setup = append(setup, DupFD(2, int(stderrW.Fd())))
	}

	corrID := uuid.New().String()
	res, err := child.Spawn(child.Options{
		Path:  opts.Path,
		Args:  opts.Args,
		Func:  opts.Func,
		Setup: setup,
	})
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		l.cfg.Logger.WithFields(logrus.Fields{"corr_id": corrID, "path": opts.Path, "func": opts.Func}).
			WithError(err).Warn("ioasync: spawn failed")
		return nil, newError(KindSpawn, "spawn", err)
	}
	l.cfg.Logger.WithFields(logrus.Fields{"corr_id": corrID, "pid": res.Pid}).Debug("ioasync: spawned child")

	// These fds were duplicated into the child's file table by
	// os/exec.Cmd.Start; the parent's copies are only needed to keep
	// the fd numbers alive until Start, and must be closed now so the
	// parent side of each pipe observes EOF/EPIPE correctly.
	closeAll(stdinR, stdoutW, stderrW)

	p := &Process{
		Base:        newBase(),
		pid:         res.Pid,
		onFinish:    opts.OnFinish,
		onException: opts.OnException,
		log:         l.cfg.Logger,
	}

	if stdinW != nil {
		p.stdin = newStream(-1, int(stdinW.Fd()), l.cfg.Logger)
	}
	if stdoutR != nil {
		p.stdout = newStream(int(stdoutR.Fd()), -1, l.cfg.Logger)
	}
	if stderrR != nil {
		p.stderr = newStream(int(stderrR.Fd()), -1, l.cfg.Logger)
	}

	if err := l.Add(p); err != nil {
		return nil, err
	}
	if p.stdout != nil {
		p.stdout.SetWantReadReady(true)
	}
	if p.stderr != nil {
		p.stderr.SetWantReadReady(true)
	}

	errStream := newStream(int(res.ErrPipeRead.Fd()), -1, l.cfg.Logger)
	errStream.SetOnRead(func(buf *RecvBuffer, eof bool) ConsumerResult {
		p.errBuf = append(p.errBuf, buf.Take(buf.Len())...)
		if eof {
			p.mu.Lock()
			p.gotEOF = true
			p.mu.Unlock()
			p.maybeDeliver(l)
			return ConsumeStop
		}
		return ConsumeAgain
	})
	if err := l.Add(errStream); err != nil {
		return nil, err
	}
	errStream.SetWantReadReady(true)

	// Race guard (spec §4.6 last paragraph / §8 scenario (e)): the
	// child may already have exited by the time we install the watch.
	status, exited, waitErr := child.Wait4NoHang(p.pid)
	if waitErr != nil {
		l.cfg.Logger.WithFields(logrus.Fields{"corr_id": corrID, "pid": p.pid}).
			WithError(waitErr).Warn("ioasync: non-blocking wait4 race-guard failed")
	}
	if exited {
		p.mu.Lock()
		p.gotStatus = true
		p.status = status
		p.mu.Unlock()
		l.WatchIdle(func() { p.maybeDeliver(l) })
	} else {
		l.WatchChild(p.pid, func(status ExitStatus) {
			p.mu.Lock()
			p.gotStatus = true
			p.status = status
			p.mu.Unlock()
			p.maybeDeliver(l)
		})
	}

	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// maybeDeliver implements the merge discipline: OnFinish/OnException
// fires exactly once both pipe-EOF and waitpid have been observed,
// order-insensitive (spec §4.6).
func (p *Process) maybeDeliver(l *Loop) {
	p.mu.Lock()
	if p.delivered || !p.gotEOF || !p.gotStatus {
		p.mu.Unlock()
		return
	}
	p.delivered = true
	status := p.status
	msg := string(p.errBuf)
	p.mu.Unlock()

	if msg != "" {
		if p.onException != nil {
			p.onException(msg, status)
		} else {
			p.log.WithFields(logrus.Fields{"pid": p.pid, "status": status}).
				Warn("ioasync: child reported exception with no handler installed")
		}
	} else if p.onFinish != nil {
		p.onFinish(status)
	}
}

var _ io.Closer = (*Process)(nil)

// Close removes the process's notifiers from its loop; it does not
// signal the child.
func (p *Process) Close() error {
	if l := p.Loop(); l != nil {
		l.Remove(p)
	}
	return nil
}
