package metrics

import (
	"time"
)

// Verdict and error kind label values. They mirror the attestation
// package's String forms without importing it.
var (
	verdictLabels = []string{"accepted", "rejected", "error"}
	kindLabels    = []string{"transport", "framing", "protocol", "parse", "arithmetic"}
)

// AttestationMetrics holds the verifier daemon's metrics.
type AttestationMetrics struct {
	registry *Registry
	started  time.Time

	sessions map[string]*Counter
	errors   map[string]*Counter

	ConnectionsTotal   *Counter
	GreetingsTotal     *Counter
	JournalErrorsTotal *Counter

	ActiveSessions *Gauge
	UptimeSeconds  *Gauge

	SessionDuration *Histogram
}

// NewAttestationMetrics registers the daemon metrics in registry. Every
// verdict and error kind series is created up front so scrapes see zeros.
func NewAttestationMetrics(registry *Registry) *AttestationMetrics {
	if registry == nil {
		registry = NewRegistry("pufattest", "")
	}

	m := &AttestationMetrics{
		registry: registry,
		started:  time.Now(),
		sessions: make(map[string]*Counter, len(verdictLabels)),
		errors:   make(map[string]*Counter, len(kindLabels)),

		ConnectionsTotal: registry.RegisterCounter(
			"connections_total",
			"Total number of prover connections accepted",
			nil,
		),
		GreetingsTotal: registry.RegisterCounter(
			"greetings_total",
			"Messages answered after a successful attestation",
			nil,
		),
		JournalErrorsTotal: registry.RegisterCounter(
			"journal_errors_total",
			"Attestation results that could not be written to the journal",
			nil,
		),
		ActiveSessions: registry.RegisterGauge(
			"active_sessions",
			"Number of attestation sessions in progress",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),
		SessionDuration: registry.RegisterHistogram(
			"session_duration_seconds",
			"Duration of the three-phase exchange plus verification",
			nil,
			DurationBuckets,
		),
	}

	for _, v := range verdictLabels {
		m.sessions[v] = registry.RegisterCounter(
			"sessions_total",
			"Attestation sessions by verdict",
			Labels{"verdict": v},
		)
	}
	for _, k := range kindLabels {
		m.errors[k] = registry.RegisterCounter(
			"errors_total",
			"Failed attestation sessions by error kind",
			Labels{"kind": k},
		)
	}

	return m
}

// Registry returns the backing registry.
func (m *AttestationMetrics) Registry() *Registry { return m.registry }

// SessionStarted marks a session as in progress.
func (m *AttestationMetrics) SessionStarted() {
	m.ConnectionsTotal.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records the outcome of a session. kind is ignored unless
// verdict is "error".
func (m *AttestationMetrics) SessionEnded(verdict, kind string, d time.Duration) {
	m.ActiveSessions.Dec()
	m.SessionDuration.ObserveDuration(d)

	if c, ok := m.sessions[verdict]; ok {
		c.Inc()
	}
	if verdict == "error" {
		if c, ok := m.errors[kind]; ok {
			c.Inc()
		}
	}
}

// Sessions returns the session count for verdict.
func (m *AttestationMetrics) Sessions(verdict string) uint64 {
	if c, ok := m.sessions[verdict]; ok {
		return c.Value()
	}
	return 0
}

// Errors returns the failed session count for kind.
func (m *AttestationMetrics) Errors(kind string) uint64 {
	if c, ok := m.errors[kind]; ok {
		return c.Value()
	}
	return 0
}

// UpdateUptime refreshes the uptime gauge.
func (m *AttestationMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}
