// Package resolver is a minimal DNS name resolver whose actual network
// exchange runs inside a worker.Pool subprocess rather than on the
// event loop thread, giving the worker-pool substrate (spec.md §1, §4.8)
// a realistic consumer. The resolution itself uses the standard
// library's resolver (net.DefaultResolver) inside the worker — this
// package is not a DNS wire-protocol implementation; it deliberately
// does not import miekg/dns or reimplement message parsing, matching
// spec.md §1's "the name-resolver request catalogue itself" Non-goal
// while keeping the worker-pool substrate exercised end-to-end.
//
// Grounded in shape (not wire format) on bassosimone-nop's
// dnsdial.go/dnsexchange.go: a resolver returning a future-like handle
// over a result obtained from a separate execution context, logged with
// the same start/done structured-event pairing.
package resolver

import (
	"context"
	"encoding/gob"
	"net"
	"time"

	ioasync "github.com/frioux/ioasync"
	"github.com/frioux/ioasync/worker"
	"github.com/sirupsen/logrus"
)

const workerFuncName = "ioasync-resolver-lookup"

func init() {
	gob.Register([]net.IP{})
	worker.RegisterFunc(workerFuncName, func(args []any) (any, error) {
		host, _ := args[0].(string)
		addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
		if err != nil {
			return nil, err
		}
		out := make([]net.IP, len(addrs))
		for i, a := range addrs {
			out[i] = a.IP
		}
		return out, nil
	})
}

// Resolver dispatches name lookups to a dedicated worker.Pool running
// the standard resolver off-process.
type Resolver struct {
	pool *worker.Pool
	log  *logrus.Logger
}

// NewResolver builds a Resolver backed by a fresh worker.Pool attached
// to l. cfg.Marshaller is forced to MarshalStorable: a []net.IP result
// does not fit the flat string-tuple encoding.
func NewResolver(l *ioasync.Loop, cfg worker.PoolConfig) *Resolver {
	cfg.Marshaller = worker.MarshalStorable
	return &Resolver{pool: worker.NewPool(l, workerFuncName, cfg)}
}

// SetLogger overrides the resolver's diagnostic logger.
func (r *Resolver) SetLogger(log *logrus.Logger) {
	if log != nil {
		r.log = log
		r.pool.SetLogger(log)
	}
}

// Resolve looks up host's addresses via an off-process worker, returning
// a Future that completes when the worker replies or timeout elapses
// (timeout<=0 means no limit), per spec §5's future-completion rule.
func (r *Resolver) Resolve(host string, timeout time.Duration) *ioasync.Future[[]net.IP] {
	f := ioasync.NewFuture[[]net.IP](timeout)
	t0 := time.Now()
	if r.log != nil {
		r.log.WithField("host", host).Info("resolver: lookup start")
	}
	r.pool.Call([]any{host}, func(ret any, err error) {
		if r.log != nil {
			r.log.WithField("host", host).WithField("elapsed", time.Since(t0)).
				WithError(err).Info("resolver: lookup done")
		}
		if err != nil {
			f.Reject(err)
			return
		}
		addrs, _ := ret.([]net.IP)
		f.Resolve(addrs)
	})
	return f
}

// Workers reports the resolver's live worker-process count.
func (r *Resolver) Workers() int { return r.pool.Workers() }

// Shutdown tears down the resolver's worker pool.
func (r *Resolver) Shutdown() error { return r.pool.Shutdown() }
