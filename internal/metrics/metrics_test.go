package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveTransition("processing", "review")
	m.ObserveProviderCall("assemblyai", "transcription", true, 0.3)
	m.ObserveProviderCall("assemblyai", "transcription", false, 0)
	m.LockBusy()
	m.LockAcquired(time.Millisecond)

	assert.InDelta(t, 1, testutil.ToFloat64(m.Transitions.WithLabelValues("processing", "review")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ProviderCalls.WithLabelValues("assemblyai", "transcription", "failure")), 0.001)
	assert.InDelta(t, 0.3, testutil.ToFloat64(m.ProviderCost.WithLabelValues("assemblyai")), 0.0001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.LockBusyTotal), 0.001)

	_, err = New(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStage("transcription", true, time.Second)
		m.ObserveAttempt("transcription", false)
		m.ObserveEdit()
		m.SetQueueDepth(3)
		m.LockBusy()
	})
}
