package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/arbiter/internal/pkg/metrics"
)

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

	next:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue next
				}
			}

			return metric.GetCounter().GetValue()
		}
	}

	return 0
}

func TestRegisterTwice(t *testing.T) {
	t.Parallel()

	first := metrics.NewProtocolMetrics("metrics_test_twice")
	second := metrics.NewProtocolMetrics("metrics_test_twice")

	first.Commit("ok")
	second.Commit("ok")

	assert.InDelta(t, 2.0, counterValue(t, "metrics_test_twice_commits", map[string]string{"status": "ok"}), 0)
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *metrics.ProtocolMetrics

	assert.NotPanics(t, func() {
		m.Commit("ok")
		m.Reveal("ok")
		m.Forfeit("no_reveal")
		m.Escalation()
		m.EngineError("create")
		m.MatchResolved("agreement")
		m.TournamentFinished("completed")
	})
}
