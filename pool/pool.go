// Package pool implements the Connection Pool (spec §4.7): a bounded set
// of reusable SCU associations to one endpoint, with FIFO waiters, a
// periodic health check, and an idle sweep. Grounded on
// OtchereDev-ris-dicom-connector's pkg/dimse/pool.go (ConnectionPool:
// available slice, mutex, cleanup ticker, done channel), generalized to
// the spec's separate available/in-use bookkeeping, strict FIFO waiter
// queue, and dual maintenance tasks.
package pool

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/medigo/dicomul/assoc"
	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/metrics"
	"github.com/medigo/dicomul/transport"
	"github.com/medigo/dicomul/types"
)

// Config holds a pool's endpoint and sizing parameters (spec §6's
// per-pool configuration surface).
type Config struct {
	Host string
	Port int

	CalledAE  types.AETitle
	CallingAE types.AETitle

	// DefaultContexts is proposed when Acquire is called with no
	// contexts of its own; defaults to a single Verification SOP Class
	// context if left nil (spec §4.7).
	DefaultContexts []types.ProposedPresentationContext

	MaxConnections    int
	MinConnections    int
	AcquireTimeout    time.Duration
	IdleTimeout       time.Duration
	HealthCheckInterval time.Duration
	ValidateOnAcquire bool

	MaxPDULength   uint32
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TLS            *transport.Config

	Logger  zerolog.Logger
	Metrics *metrics.Pool
}

func (c Config) endpoint() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

type waiter struct {
	contexts []types.ProposedPresentationContext
	result   chan waitResult
}

type waitResult struct {
	pc  *PooledConnection
	err error
}

// Pool manages PooledConnections to a single (host, port) endpoint.
type Pool struct {
	cfg Config

	mu        sync.Mutex
	available []*PooledConnection
	inUse     map[uint64]*PooledConnection
	waiters   []*waiter
	closed    bool

	nextID uint64

	created, closedCount, healthChecked uint64

	healthTicker *time.Ticker
	idleTicker   *time.Ticker
	done         chan struct{}
	wg           sync.WaitGroup
}

// New builds a Pool and starts its health-check and idle-sweep maintenance
// tasks. Call Shutdown to stop them and release every connection.
func New(cfg Config) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 5
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = time.Minute
	}
	if len(cfg.DefaultContexts) == 0 {
		cfg.DefaultContexts = []types.ProposedPresentationContext{
			{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{
				types.ImplicitVRLittleEndian, types.ExplicitVRLittleEndian,
			}},
		}
	}

	p := &Pool{
		cfg:   cfg,
		inUse: make(map[uint64]*PooledConnection),
		done:  make(chan struct{}),
	}

	idleSweepInterval := cfg.IdleTimeout / 2
	if idleSweepInterval > 60*time.Second || idleSweepInterval <= 0 {
		idleSweepInterval = 60 * time.Second
	}
	p.healthTicker = time.NewTicker(cfg.HealthCheckInterval)
	p.idleTicker = time.NewTicker(idleSweepInterval)

	p.wg.Add(1)
	go p.maintain()

	return p
}

func (p *Pool) maintain() {
	defer p.wg.Done()
	for {
		select {
		case <-p.healthTicker.C:
			p.healthCheckAvailable()
		case <-p.idleTicker.C:
			p.sweepIdle()
		case <-p.done:
			return
		}
	}
}

// Acquire pops an idle connection, creates a new one if the pool has
// headroom, or enqueues a FIFO waiter until one frees or acquire_timeout
// elapses (spec §4.7). A nil contexts uses cfg.DefaultContexts.
func (p *Pool) Acquire(ctx context.Context, contexts []types.ProposedPresentationContext) (*PooledConnection, error) {
	if contexts == nil {
		contexts = p.cfg.DefaultContexts
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.ErrPoolShutdown
	}

	for len(p.available) > 0 {
		pc := p.available[0]
		p.available = p.available[1:]
		if pc.assoc.State() != assoc.Established {
			p.closeLocked(pc)
			continue
		}
		if p.cfg.ValidateOnAcquire {
			p.mu.Unlock()
			err := pc.echo()
			p.mu.Lock()
			if err != nil {
				p.closeLocked(pc)
				continue
			}
		}
		p.inUse[pc.id] = pc
		p.updateGaugesLocked()
		p.mu.Unlock()
		return pc, nil
	}

	if len(p.inUse)+len(p.available) < p.cfg.MaxConnections {
		p.mu.Unlock()
		pc, err := p.dial(contexts)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.inUse[pc.id] = pc
		p.created++
		p.updateGaugesLocked()
		p.mu.Unlock()
		return pc, nil
	}

	w := &waiter{contexts: contexts, result: make(chan waitResult, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	var timeout <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-w.result:
		return res.pc, res.err
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, ctx.Err()
	case <-timeout:
		p.removeWaiter(w)
		return nil, errors.NewPoolExhaustedError(p.cfg.Host, p.cfg.Port)
	}
}

func (p *Pool) removeWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Release returns pc to the pool: handed directly to the oldest waiter if
// one is queued (strict FIFO), else placed back in available with an
// updated last_used_at. A connection that's no longer Established is
// closed instead of recycled.
func (p *Pool) Release(pc *PooledConnection) {
	p.mu.Lock()
	delete(p.inUse, pc.id)

	if pc.assoc.State() != assoc.Established || p.closed {
		p.closeLocked(pc)
		p.updateGaugesLocked()
		p.mu.Unlock()
		return
	}

	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.inUse[pc.id] = pc
		p.updateGaugesLocked()
		p.mu.Unlock()
		select {
		case w.result <- waitResult{pc: pc}:
			return
		default:
			// Waiter already gave up (timeout/ctx); try the next one.
			p.mu.Lock()
			delete(p.inUse, pc.id)
		}
	}

	pc.lastUsedAt = time.Now()
	p.available = append(p.available, pc)
	p.updateGaugesLocked()
	p.mu.Unlock()
}

func (p *Pool) closeLocked(pc *PooledConnection) {
	pc.close()
	p.closedCount++
}

func (p *Pool) updateGaugesLocked() {
	p.cfg.Metrics.SetAvailable(p.cfg.endpoint(), len(p.available))
	p.cfg.Metrics.SetInUse(p.cfg.endpoint(), len(p.inUse))
}

// healthCheckAvailable runs a C-ECHO against every idle connection,
// closing and counting failures (spec §4.7 maintenance task a).
func (p *Pool) healthCheckAvailable() {
	p.mu.Lock()
	candidates := append([]*PooledConnection(nil), p.available...)
	p.available = p.available[:0]
	p.mu.Unlock()

	var healthy []*PooledConnection
	for _, pc := range candidates {
		if err := pc.echo(); err != nil {
			p.cfg.Metrics.HealthCheckFailed(p.cfg.endpoint())
			pc.close()
			atomic.AddUint64(&p.healthChecked, 1)
			continue
		}
		atomic.AddUint64(&p.healthChecked, 1)
		healthy = append(healthy, pc)
	}

	p.mu.Lock()
	p.available = append(p.available, healthy...)
	p.closedCount += uint64(len(candidates) - len(healthy))
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// sweepIdle closes available connections past idle_timeout while
// available stays above min_connections (spec §4.7 maintenance task b).
func (p *Pool) sweepIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	remaining := len(p.available)
	kept := make([]*PooledConnection, 0, remaining)
	for _, pc := range p.available {
		if remaining > p.cfg.MinConnections && now.Sub(pc.lastUsedAt) > p.cfg.IdleTimeout {
			p.closeLocked(pc)
			remaining--
			continue
		}
		kept = append(kept, pc)
	}
	p.available = kept
	p.updateGaugesLocked()
}

// Stats reports point-in-time pool counters.
type Stats struct {
	Available     int
	InUse         int
	Waiters       int
	Created       uint64
	Closed        uint64
	HealthChecked uint64
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Available:     len(p.available),
		InUse:         len(p.inUse),
		Waiters:       len(p.waiters),
		Created:       p.created,
		Closed:        p.closedCount,
		HealthChecked: atomic.LoadUint64(&p.healthChecked),
	}
}

// Shutdown fails every queued waiter with ErrPoolShutdown, then gracefully
// releases (falling back to abort) every connection, available and
// in-use, and stops the maintenance tasks (spec §4.7).
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	conns := append([]*PooledConnection(nil), p.available...)
	for _, pc := range p.inUse {
		conns = append(conns, pc)
	}
	p.available = nil
	p.inUse = make(map[uint64]*PooledConnection)
	p.mu.Unlock()

	for _, w := range waiters {
		w.result <- waitResult{err: errors.ErrPoolShutdown}
	}

	close(p.done)
	p.healthTicker.Stop()
	p.idleTicker.Stop()
	p.wg.Wait()

	for _, pc := range conns {
		pc.close()
	}
}
