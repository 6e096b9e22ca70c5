package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	submissions *prometheus.CounterVec
	polls       *prometheus.CounterVec
	results     *prometheus.CounterVec
	runs        *prometheus.CounterVec
	activeJobs  prometheus.Gauge
	jobDuration *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safety",
			Subsystem: "batch",
			Name:      "submissions_total",
			Help:      "Sub-batch submissions by outcome (submitted, duplicate, rejected, skipped).",
		}, []string{"outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safety",
			Subsystem: "batch",
			Name:      "polls_total",
			Help:      "Status polls by observed job status (or error).",
		}, []string{"status"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safety",
			Subsystem: "batch",
			Name:      "results_total",
			Help:      "Collected result records by status.",
		}, []string{"status"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safety",
			Subsystem: "batch",
			Name:      "runs_total",
			Help:      "Finished runs by outcome.",
		}, []string{"outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "safety",
			Subsystem: "batch",
			Name:      "active_jobs",
			Help:      "Batch jobs currently being tracked.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "safety",
			Subsystem: "batch",
			Name:      "job_duration_seconds",
			Help:      "Time from submission to terminal status.",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 2 * 3600, 6 * 3600, 12 * 3600, 24 * 3600},
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.submissions, m.polls, m.results, m.runs, m.activeJobs, m.jobDuration)
	}
	return m
}

func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Poll(status string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(status).Inc()
}

func (m *Metrics) Result(status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.results.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) Run(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TrackingStarted() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

func (m *Metrics) TrackingStopped() {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
}

func (m *Metrics) JobFinished(status string, seconds float64) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(status).Observe(seconds)
}
