// Package metrics provides the Prometheus collectors the connection pool,
// circuit breaker, and SCP listener export (spec's DOMAIN STACK: additive
// observability alongside the logging/audit components in spec §4.9).
//
// All methods are nil-safe: calling them on a nil collector is a no-op, so
// callers that don't wire a registry (most tests) don't need a stub.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// registerOrReuse registers c with reg, reusing the already-registered
// collector on a duplicate registration (e.g. a listener restarted in the
// same process) instead of panicking.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// Listener collects SCP listener metrics: active associations and admission
// rejections (spec §4.6).
type Listener struct {
	ActiveAssociations  prometheus.Gauge
	RejectedAssociations *prometheus.CounterVec
}

// NewListener creates Listener metrics, registering them with reg if it is
// non-nil. Passing a nil reg builds working, unregistered collectors,
// useful in tests that don't need a Prometheus registry.
func NewListener(reg prometheus.Registerer) *Listener {
	m := &Listener{
		ActiveAssociations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dicomul",
			Subsystem: "scp",
			Name:      "active_associations",
			Help:      "Number of currently established associations.",
		}),
		RejectedAssociations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dicomul",
			Subsystem: "scp",
			Name:      "rejected_associations_total",
			Help:      "Total number of associations rejected during admission, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		m.ActiveAssociations = registerOrReuse(reg, m.ActiveAssociations).(prometheus.Gauge)
		m.RejectedAssociations = registerOrReuse(reg, m.RejectedAssociations).(*prometheus.CounterVec)
	}
	return m
}

func (m *Listener) AssociationOpened() {
	if m == nil {
		return
	}
	m.ActiveAssociations.Inc()
}

func (m *Listener) AssociationClosed() {
	if m == nil {
		return
	}
	m.ActiveAssociations.Dec()
}

func (m *Listener) AssociationRejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedAssociations.WithLabelValues(reason).Inc()
}

// Pool collects connection pool metrics (spec §4.7).
type Pool struct {
	Available           *prometheus.GaugeVec
	InUse                *prometheus.GaugeVec
	HealthCheckFailures  *prometheus.CounterVec
}

func NewPool(reg prometheus.Registerer) *Pool {
	m := &Pool{
		Available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dicomul",
			Subsystem: "pool",
			Name:      "available_connections",
			Help:      "Idle, ready-to-acquire connections per endpoint.",
		}, []string{"endpoint"}),
		InUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dicomul",
			Subsystem: "pool",
			Name:      "in_use_connections",
			Help:      "Connections currently checked out per endpoint.",
		}, []string{"endpoint"}),
		HealthCheckFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dicomul",
			Subsystem: "pool",
			Name:      "health_check_failures_total",
			Help:      "Total number of failed pool health checks per endpoint.",
		}, []string{"endpoint"}),
	}
	if reg != nil {
		m.Available = registerOrReuse(reg, m.Available).(*prometheus.GaugeVec)
		m.InUse = registerOrReuse(reg, m.InUse).(*prometheus.GaugeVec)
		m.HealthCheckFailures = registerOrReuse(reg, m.HealthCheckFailures).(*prometheus.CounterVec)
	}
	return m
}

func (m *Pool) SetAvailable(endpoint string, n int) {
	if m == nil {
		return
	}
	m.Available.WithLabelValues(endpoint).Set(float64(n))
}

func (m *Pool) SetInUse(endpoint string, n int) {
	if m == nil {
		return
	}
	m.InUse.WithLabelValues(endpoint).Set(float64(n))
}

func (m *Pool) HealthCheckFailed(endpoint string) {
	if m == nil {
		return
	}
	m.HealthCheckFailures.WithLabelValues(endpoint).Inc()
}

// Breaker collects circuit breaker state per endpoint (spec §4.8). State
// values: 0 = closed, 1 = half-open, 2 = open.
type Breaker struct {
	State *prometheus.GaugeVec
}

func NewBreaker(reg prometheus.Registerer) *Breaker {
	m := &Breaker{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dicomul",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per endpoint (0=closed, 1=half-open, 2=open).",
		}, []string{"endpoint"}),
	}
	if reg != nil {
		m.State = registerOrReuse(reg, m.State).(*prometheus.GaugeVec)
	}
	return m
}

func (m *Breaker) SetState(endpoint string, state int) {
	if m == nil {
		return
	}
	m.State.WithLabelValues(endpoint).Set(float64(state))
}
