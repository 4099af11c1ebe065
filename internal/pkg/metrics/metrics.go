// Package metrics contains the prometheus instrumentation for the
// arbitration protocol.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type ProtocolMetrics struct {
	commits     *prometheus.CounterVec
	reveals     *prometheus.CounterVec
	forfeits    *prometheus.CounterVec
	escalations prometheus.Counter
	engineErrs  *prometheus.CounterVec
	matches     *prometheus.CounterVec
	tournaments *prometheus.CounterVec
}

// NewProtocolMetrics creates the protocol counters. Calling it twice with
// the same pkg returns collectors backed by the first registration.
func NewProtocolMetrics(pkg string) *ProtocolMetrics {
	m := &ProtocolMetrics{
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_commits", pkg),
				Help: "How many commits were submitted, partitioned by status.",
			},
			[]string{"status"},
		),
		reveals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_reveals", pkg),
				Help: "How many reveals were submitted, partitioned by status.",
			},
			[]string{"status"},
		),
		forfeits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_forfeits", pkg),
				Help: "How many claims were forfeited, partitioned by reason.",
			},
			[]string{"reason"},
		),
		escalations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_escalations", pkg),
				Help: "How many matches were escalated to a verification game.",
			},
		),
		engineErrs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_engine_errors", pkg),
				Help: "How many verification engine calls failed, partitioned by operation.",
			},
			[]string{"operation"},
		),
		matches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_matches_resolved", pkg),
				Help: "How many matches reached a terminal state, partitioned by resolution.",
			},
			[]string{"resolution"},
		),
		tournaments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_tournaments", pkg),
				Help: "How many tournaments reached a terminal status, partitioned by status.",
			},
			[]string{"status"},
		),
	}

	m.commits = registerOnce(m.commits).(*prometheus.CounterVec)
	m.reveals = registerOnce(m.reveals).(*prometheus.CounterVec)
	m.forfeits = registerOnce(m.forfeits).(*prometheus.CounterVec)
	m.escalations = registerOnce(m.escalations).(prometheus.Counter)
	m.engineErrs = registerOnce(m.engineErrs).(*prometheus.CounterVec)
	m.matches = registerOnce(m.matches).(*prometheus.CounterVec)
	m.tournaments = registerOnce(m.tournaments).(*prometheus.CounterVec)

	return m
}

// The methods below are safe on a nil receiver so components can run
// without instrumentation.

func (m *ProtocolMetrics) Commit(status string) {
	if m == nil {
		return
	}

	m.commits.WithLabelValues(status).Inc()
}

func (m *ProtocolMetrics) Reveal(status string) {
	if m == nil {
		return
	}

	m.reveals.WithLabelValues(status).Inc()
}

func (m *ProtocolMetrics) Forfeit(reason string) {
	if m == nil {
		return
	}

	m.forfeits.WithLabelValues(reason).Inc()
}

func (m *ProtocolMetrics) Escalation() {
	if m == nil {
		return
	}

	m.escalations.Inc()
}

func (m *ProtocolMetrics) EngineError(operation string) {
	if m == nil {
		return
	}

	m.engineErrs.WithLabelValues(operation).Inc()
}

func (m *ProtocolMetrics) MatchResolved(resolution string) {
	if m == nil {
		return
	}

	m.matches.WithLabelValues(resolution).Inc()
}

func (m *ProtocolMetrics) TournamentFinished(status string) {
	if m == nil {
		return
	}

	m.tournaments.WithLabelValues(status).Inc()
}

// Registers the collector with Prometheus. If an identical collector is
// already registered, returns the existing collector.
func registerOnce(collector prometheus.Collector) prometheus.Collector {
	err := prometheus.Register(collector)
	if err != nil {
		are := &prometheus.AlreadyRegisteredError{}
		if errors.As(err, are) {
			return are.ExistingCollector
		}

		panic(err)
	}

	return collector
}
