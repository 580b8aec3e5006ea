// Package metrics holds the prometheus collectors of the consultation engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "medscribe"

type Metrics struct {
	StageDuration   *prometheus.HistogramVec
	StageAttempts   *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	ProviderCalls   *prometheus.CounterVec
	ProviderCost    *prometheus.CounterVec
	BudgetExceeded  *prometheus.CounterVec
	LockWait        prometheus.Histogram
	LockBusyTotal   prometheus.Counter
	ArtifactRenders *prometheus.CounterVec
	Edits           prometheus.Counter
	QueueDepth      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time of pipeline stages including retries",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"stage", "outcome"},
		),
		StageAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_attempts_total",
				Help:      "Provider call attempts per stage",
			},
			[]string{"stage", "outcome"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consultation_transitions_total",
				Help:      "Consultation status transitions",
			},
			[]string{"from", "to"},
		),
		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "External provider calls",
			},
			[]string{"provider", "operation", "outcome"},
		),
		ProviderCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_cost_total",
				Help:      "Accumulated provider spend",
			},
			[]string{"provider"},
		),
		BudgetExceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_budget_exceeded_total",
				Help:      "Usage records written while the provider was over its monthly budget",
			},
			[]string{"provider"},
		),
		LockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for a consultation lock",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		LockBusyTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_busy_total",
				Help:      "Lock acquisitions that gave up after the bounded wait",
			},
		),
		ArtifactRenders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_renders_total",
				Help:      "Artifact generation jobs",
			},
			[]string{"outcome"},
		),
		Edits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "review_edits_total",
				Help:      "Accepted review edits",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Jobs waiting for a worker",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.StageDuration, m.StageAttempts, m.Transitions, m.ProviderCalls, m.ProviderCost,
		m.BudgetExceeded, m.LockWait, m.LockBusyTotal, m.ArtifactRenders, m.Edits, m.QueueDepth,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) ObserveStage(stage string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, outcome(ok)).Observe(d.Seconds())
}

func (m *Metrics) ObserveAttempt(stage string, ok bool) {
	if m == nil {
		return
	}
	m.StageAttempts.WithLabelValues(stage, outcome(ok)).Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveProviderCall(provider, operation string, ok bool, cost float64) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, operation, outcome(ok)).Inc()
	if cost > 0 {
		m.ProviderCost.WithLabelValues(provider).Add(cost)
	}
}

func (m *Metrics) ObserveBudgetExceeded(provider string) {
	if m == nil {
		return
	}
	m.BudgetExceeded.WithLabelValues(provider).Inc()
}

func (m *Metrics) ObserveArtifact(ok bool) {
	if m == nil {
		return
	}
	m.ArtifactRenders.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) ObserveEdit() {
	if m == nil {
		return
	}
	m.Edits.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// LockAcquired and LockBusy satisfy lock.Observer.
func (m *Metrics) LockAcquired(wait time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(wait.Seconds())
}

func (m *Metrics) LockBusy() {
	if m == nil {
		return
	}
	m.LockBusyTotal.Inc()
}
