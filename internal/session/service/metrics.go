package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session counters. A nil *Metrics records nothing.
type Metrics struct {
	opened          prometheus.Counter
	refreshes       *prometheus.CounterVec
	familiesRevoked *prometheus.CounterVec
	logouts         *prometheus.CounterVec
	pruned          prometheus.Counter
}

// NewMetrics creates the session counters and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auth",
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Sessions opened by a successful login.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Subsystem: "session",
			Name:      "refreshes_total",
			Help:      "Refresh attempts by outcome.",
		}, []string{"outcome"}),
		familiesRevoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Subsystem: "session",
			Name:      "families_revoked_total",
			Help:      "Session families revoked, by reason.",
		}, []string{"reason"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Subsystem: "session",
			Name:      "logouts_total",
			Help:      "Logout calls by scope.",
		}, []string{"scope"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auth",
			Subsystem: "session",
			Name:      "pruned_total",
			Help:      "Expired session rows deleted by the prune sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.opened, m.refreshes, m.familiesRevoked, m.logouts, m.pruned)
	}
	return m
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.opened.Inc()
	}
}

func (m *Metrics) refresh(outcome string) {
	if m != nil {
		m.refreshes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) familyRevoked(reason string) {
	if m != nil {
		m.familiesRevoked.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) logout(scope string) {
	if m != nil {
		m.logouts.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) prunedRows(n int64) {
	if m != nil && n > 0 {
		m.pruned.Add(float64(n))
	}
}
