package pool

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/medigo/dicomul/assoc"
	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/scp"
	"github.com/medigo/dicomul/types"
)

func allowAll(abstractSyntaxes ...string) assoc.NegotiationPolicy {
	allowed := make(map[string]bool, len(abstractSyntaxes))
	for _, as := range abstractSyntaxes {
		allowed[as] = true
	}
	return assoc.NegotiationPolicy{
		SupportsAbstractSyntax: func(uid string) bool { return allowed[uid] },
		AllowedTransferSyntaxes: map[string]bool{
			types.ImplicitVRLittleEndian: true,
			types.ExplicitVRLittleEndian: true,
		},
	}
}

// startTarget starts a bare Verification-only SCP to pool connections
// against, and returns a Config pre-filled with its host/port.
func startTarget(t *testing.T, cfg Config) (*scp.Listener, Config) {
	t.Helper()
	l := scp.New(scp.Config{
		Address:           "TEST_SCP",
		NegotiationPolicy: allowAll(types.VerificationSOPClass),
		MaxPDULength:      16384,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
	})
	if err := l.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { l.Stop() })

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}

	cfg.Host = host
	cfg.Port = port
	cfg.CalledAE = "TEST_SCP"
	cfg.CallingAE = "TEST_SCU"
	cfg.MaxPDULength = 16384
	cfg.ConnectTimeout = 5 * time.Second
	cfg.ReadTimeout = 5 * time.Second
	cfg.WriteTimeout = 5 * time.Second
	return l, cfg
}

func TestAcquireReleaseReusesConnection(t *testing.T) {
	_, cfg := startTarget(t, Config{MaxConnections: 2})
	p := New(cfg)
	defer p.Shutdown()

	pc, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(pc)

	pc2, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if pc2.id != pc.id {
		t.Errorf("expected the released connection to be reused, got a different id")
	}

	stats := p.Stats()
	if stats.Created != 1 {
		t.Errorf("Created = %d, want 1 (no second dial should have happened)", stats.Created)
	}
}

func TestAcquireBlocksThenGetsReleasedConnectionFIFO(t *testing.T) {
	_, cfg := startTarget(t, Config{MaxConnections: 1, AcquireTimeout: 2 * time.Second})
	p := New(cfg)
	defer p.Shutdown()

	first, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	type acquireResult struct {
		pc  *PooledConnection
		err error
	}
	done := make(chan acquireResult, 1)
	go func() {
		pc, err := p.Acquire(context.Background(), nil)
		done <- acquireResult{pc, err}
	}()

	// Give the goroutine time to enqueue as a waiter before releasing.
	time.Sleep(50 * time.Millisecond)
	p.Release(first)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("waiter Acquire: %v", res.err)
		}
		if res.pc.id != first.id {
			t.Errorf("expected the waiter to receive the released connection directly")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never unblocked after Release")
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	_, cfg := startTarget(t, Config{MaxConnections: 1, AcquireTimeout: 50 * time.Millisecond})
	p := New(cfg)
	defer p.Shutdown()

	first, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer p.Release(first)

	_, err = p.Acquire(context.Background(), nil)
	if err == nil {
		t.Fatal("expected second Acquire to fail once MaxConnections is exhausted")
	}
	if _, ok := err.(*errors.PoolExhaustedError); !ok {
		t.Errorf("err = %T, want *errors.PoolExhaustedError", err)
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	_, cfg := startTarget(t, Config{MaxConnections: 1, AcquireTimeout: 5 * time.Second})
	p := New(cfg)
	defer p.Shutdown()

	first, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer p.Release(first)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx, nil)
	if err != context.DeadlineExceeded {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestShutdownFailsQueuedWaiters(t *testing.T) {
	_, cfg := startTarget(t, Config{MaxConnections: 1, AcquireTimeout: 5 * time.Second})
	p := New(cfg)

	first, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer p.Release(first)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), nil)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	p.Shutdown()

	select {
	case err := <-errc:
		if err != errors.ErrPoolShutdown {
			t.Errorf("waiter err = %v, want errors.ErrPoolShutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued waiter never unblocked on Shutdown")
	}

	if _, err := p.Acquire(context.Background(), nil); err != errors.ErrPoolShutdown {
		t.Errorf("Acquire after Shutdown = %v, want errors.ErrPoolShutdown", err)
	}
}

func TestHealthCheckClosesDeadConnection(t *testing.T) {
	_, cfg := startTarget(t, Config{MaxConnections: 2})
	p := New(cfg)
	defer p.Shutdown()

	pc, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(pc)

	// Simulate a peer that has gone away: aborting invalidates the
	// association without telling the pool, exactly as a dropped TCP
	// connection would.
	pc.assoc.Abort(types.AbortSourceServiceUser, types.AbortReasonNotSpecified)

	p.healthCheckAvailable()

	stats := p.Stats()
	if stats.Available != 0 {
		t.Errorf("Available = %d, want 0 after health check closes the dead connection", stats.Available)
	}
	if stats.Closed == 0 {
		t.Errorf("Closed = 0, want at least 1")
	}
}

func TestSweepIdleRespectsMinConnections(t *testing.T) {
	_, cfg := startTarget(t, Config{MaxConnections: 3, MinConnections: 1, IdleTimeout: time.Millisecond})
	p := New(cfg)
	defer p.Shutdown()

	a, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	b, err := p.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	p.Release(a)
	p.Release(b)

	time.Sleep(5 * time.Millisecond)
	p.sweepIdle()

	stats := p.Stats()
	if stats.Available != 1 {
		t.Errorf("Available = %d, want 1 (MinConnections should keep exactly one idle connection)", stats.Available)
	}
}
