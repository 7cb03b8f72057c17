package jobtracker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Poll outcome label values.
const (
	pollOutcomeOK       = "ok"
	pollOutcomeNotFound = "not_found"
	pollOutcomeCeiling  = "ceiling"
)

// Job result label values.
const (
	jobResultCompleted = "completed"
	jobResultFailed    = "failed"
	jobResultCancelled = "cancelled"
)

// Metrics records polling and lifecycle metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	polls       *prometheus.CounterVec
	retries     prometheus.Counter
	jobs        *prometheus.CounterVec
	activePolls prometheus.Gauge
	jobDuration prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobtracker_polls_total",
				Help: "Total number of job status fetches by outcome.",
			},
			[]string{"outcome"},
		),
		retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jobtracker_transient_retries_total",
				Help: "Total number of silent retries after transient status errors.",
			},
		),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobtracker_jobs_total",
				Help: "Total number of jobs that reached a terminal state.",
			},
			[]string{"result"},
		),
		activePolls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobtracker_active_polls",
				Help: "Number of polling loops currently running.",
			},
		),
		jobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jobtracker_job_duration_seconds",
				Help:    "Time from job registration to completion, in seconds.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
		),
	}

	for _, c := range []prometheus.Collector{m.polls, m.retries, m.jobs, m.activePolls, m.jobDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	for _, result := range []string{jobResultCompleted, jobResultFailed, jobResultCancelled} {
		m.jobs.WithLabelValues(result)
	}
	return m, nil
}

func (m *Metrics) observePoll(outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) observeJob(result string, createdAt time.Time) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(result).Inc()
	if result == jobResultCompleted && !createdAt.IsZero() {
		m.jobDuration.Observe(time.Since(createdAt).Seconds())
	}
}

func (m *Metrics) pollStarted() {
	if m == nil {
		return
	}
	m.activePolls.Inc()
}

func (m *Metrics) pollStopped() {
	if m == nil {
		return
	}
	m.activePolls.Dec()
}
