package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	WorkerOutcomeSucceeded = "succeeded"
	WorkerOutcomeRetried   = "retried"
	WorkerOutcomeFailed    = "failed"
	WorkerOutcomeDiscarded = "discarded"
	WorkerOutcomeDeferred  = "deferred"
)

// WorkerMetrics captures generation queue throughput.
type WorkerMetrics struct {
	claimed          prometheus.Counter
	outcomes         *prometheus.CounterVec
	generatorLatency prometheus.Observer
}

var (
	workerMetricsOnce sync.Once
	workerMetrics     *WorkerMetrics
)

func Worker() *WorkerMetrics {
	return WorkerWithConfig(Config{})
}

func WorkerWithConfig(cfg Config) *WorkerMetrics {
	workerMetricsOnce.Do(func() {
		workerMetrics = newWorkerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return workerMetrics
}

func newWorkerMetrics(registerer prometheus.Registerer, cfg Config) *WorkerMetrics {
	constLabels := constLabelsFor(cfg)
	claimed := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "manuscript_worker_jobs_claimed_total",
		Help:        "Generation jobs claimed by workers.",
		ConstLabels: constLabels,
	})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "manuscript_worker_job_outcomes_total",
		Help:        "Generation job attempt outcomes.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	generatorLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "manuscript_worker_generator_duration_seconds",
		Help:        "External generator call latency.",
		Buckets:     []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		ConstLabels: constLabels,
	})
	registerer.MustRegister(claimed, outcomes, generatorLatency)

	return &WorkerMetrics{
		claimed:          claimed,
		outcomes:         outcomes,
		generatorLatency: generatorLatency,
	}
}

func (m *WorkerMetrics) AddClaimed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.claimed.Add(float64(count))
}

func (m *WorkerMetrics) IncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *WorkerMetrics) ObserveGenerator(duration time.Duration) {
	if m == nil {
		return
	}
	m.generatorLatency.Observe(duration.Seconds())
}
