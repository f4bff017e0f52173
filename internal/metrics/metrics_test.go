package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Command("toggle", "ack")
	m.Command("toggle", "ack")
	m.Attempt("1")
	m.Failure("1", "no_response")
	m.Connected("1", true)
	m.Abort(true)
	m.Sequence("FIRE", "completed")
	m.Telemetry("ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("toggle", "ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("1", "no_response")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.abort))

	m.Abort(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.abort))

	count, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Command("fire", "ack")
		m.Attempt("controller")
		m.Failure("controller", "driver")
		m.Connected("1", false)
		m.Abort(true)
		m.Sequence("FIRE", "aborted")
		m.Telemetry("dropped")
	})
}
