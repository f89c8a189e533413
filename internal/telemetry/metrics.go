package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gridauth"

// Metrics holds the service counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	tokensIssued         *prometheus.CounterVec
	refreshReplays       prometheus.Counter
	flowTransitions      *prometheus.CounterVec
	pilotSecretsConsumed prometheus.Counter
	idpFailures          prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Access tokens issued, by grant.",
		}, []string{"grant"}),
		refreshReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_replay_total",
			Help:      "Rotated refresh tokens presented again.",
		}),
		flowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_transitions_total",
			Help:      "Authorization and device flow status transitions.",
		}, []string{"flow", "status"}),
		pilotSecretsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pilot_secrets_consumed_total",
			Help:      "Pilot secrets exchanged for pilot credentials.",
		}),
		idpFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idp_exchange_failures_total",
			Help:      "Failed inner exchanges with an identity provider.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.tokensIssued, m.refreshReplays, m.flowTransitions, m.pilotSecretsConsumed, m.idpFailures)
	}
	return m
}

func (m *Metrics) TokenIssued(grant string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(grant).Inc()
}

func (m *Metrics) RefreshReplay() {
	if m == nil {
		return
	}
	m.refreshReplays.Inc()
}

func (m *Metrics) FlowTransition(flow, status string) {
	if m == nil {
		return
	}
	m.flowTransitions.WithLabelValues(flow, status).Inc()
}

func (m *Metrics) PilotSecretConsumed() {
	if m == nil {
		return
	}
	m.pilotSecretsConsumed.Inc()
}

func (m *Metrics) IdPFailure() {
	if m == nil {
		return
	}
	m.idpFailures.Inc()
}
