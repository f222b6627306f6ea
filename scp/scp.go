// Package scp implements the SCP Listener (spec §4.6): it binds a TCP
// listener, negotiates each inbound association, and dispatches C-ECHO and
// C-STORE requests to a Handler. Every connection is handled on its own
// goroutine, supervised by an errgroup.Group so Stop can wait for a clean
// drain instead of abandoning in-flight associations (generalizing the
// teacher's server.Server, which used a plain sync.WaitGroup for the same
// fan-out/drain shape).
package scp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/medigo/dicomul/assoc"
	"github.com/medigo/dicomul/metrics"
	"github.com/medigo/dicomul/types"
)

// Config configures a Listener (spec §6's per-server configuration
// surface — a plain struct, consistent with the teacher's server.Option
// pattern and the scu package's Config).
type Config struct {
	Address types.AETitle

	MaxConcurrentAssociations int
	Blacklist                 []types.AETitle
	Whitelist                 []types.AETitle
	ShouldAcceptAssociation   func(info AssociationInfo) bool

	NegotiationPolicy assoc.NegotiationPolicy
	Handler           Handler

	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Listener
}

// AssociationInfo is what admission's should_accept_association delegate
// hook sees about an inbound ASSOCIATE-RQ (spec §4.6).
type AssociationInfo struct {
	CalledAE  types.AETitle
	CallingAE types.AETitle
}

// Listener binds a TCP address and dispatches negotiated associations to
// cfg.Handler until Stop is called.
type Listener struct {
	cfg Config

	ln     net.Listener
	cancel context.CancelFunc
	group  *errgroup.Group

	active int32

	mu    sync.Mutex
	conns map[*assoc.Association]struct{}
}

// New builds a Listener. Call Start to begin accepting connections.
func New(cfg Config) *Listener {
	if cfg.Handler == nil {
		cfg.Handler = DiscardHandler{}
	}
	return &Listener{cfg: cfg, conns: make(map[*assoc.Association]struct{})}
}

func (l *Listener) track(a *assoc.Association) {
	l.mu.Lock()
	l.conns[a] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrack(a *assoc.Association) {
	l.mu.Lock()
	delete(l.conns, a)
	l.mu.Unlock()
}

func (l *Listener) abortAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for a := range l.conns {
		_ = a.Abort(types.AbortSourceServiceProvider, types.AbortReasonNotSpecified)
	}
}

// Start binds address and begins accepting connections in the background.
// Each accepted connection is negotiated and dispatched on its own
// goroutine; Start returns once the listener is bound.
func (l *Listener) Start(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	l.ln = ln

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	l.group = group

	group.Go(func() error {
		<-ctx.Done()
		return l.ln.Close()
	})

	group.Go(func() error {
		for {
			conn, err := l.ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			group.Go(func() error {
				l.handleConnection(conn)
				return nil
			})
		}
	})

	return nil
}

// Addr returns the bound listener address. Only valid after Start returns
// successfully.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Stop cancels the accept loop, which aborts the listening socket, then
// waits for every in-flight association's handler goroutine to return
// (spec §4.6: "stop() cancels the listener, aborts all active associations,
// and drains").
func (l *Listener) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.abortAll()
	if l.group != nil {
		return l.group.Wait()
	}
	return nil
}

// ActiveAssociations reports the number of associations currently
// Established on this listener.
func (l *Listener) ActiveAssociations() int {
	return int(atomic.LoadInt32(&l.active))
}

func (l *Listener) associationOpened() {
	atomic.AddInt32(&l.active, 1)
	l.cfg.Metrics.AssociationOpened()
}

func (l *Listener) associationClosed() {
	atomic.AddInt32(&l.active, -1)
	l.cfg.Metrics.AssociationClosed()
}
