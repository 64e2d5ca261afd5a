package session

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics counts lifecycle outcomes and guard decisions. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	lifecycle *prometheus.CounterVec
	decisions *prometheus.CounterVec
}

// NewMetrics registers the session collectors on reg. A nil reg leaves the
// collectors unregistered, which is handy in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "session",
			Name:      "lifecycle_total",
			Help:      "Session lifecycle operations by operation and outcome.",
		}, []string{"op", "outcome", "kind"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "session",
			Name:      "guard_decisions_total",
			Help:      "Route guard decisions by terminal state.",
		}, []string{"state"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.lifecycle, m.decisions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) observeLifecycle(op string, err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.lifecycle.WithLabelValues(op, outcomeSuccess, "").Inc()
		return
	}
	m.lifecycle.WithLabelValues(op, outcomeFailure, string(KindOf(err))).Inc()
}

func (m *Metrics) observeDecision(state GuardState) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(state.String()).Inc()
}

// Lifecycle exposes the lifecycle counter vector
func (m *Metrics) Lifecycle() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.lifecycle
}

// Decisions exposes the guard decision counter vector
func (m *Metrics) Decisions() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.decisions
}
