package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initMemoryMetrics initializes memory compaction metrics.
func (m *Manager) initMemoryMetrics(cfg Config) {
	m.trimEntriesFolded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memory_trim_entries_folded_total",
			Help: "Total number of memory entries folded into summaries",
		},
	)

	m.trimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memory_trim_pass_duration_seconds",
			Help:    "Duration of a single trim pass in seconds",
			Buckets: cfg.TrimDurationBuckets,
		},
	)

	m.summarizeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memory_summarize_failures_total",
			Help: "Total number of failed summarizer calls",
		},
	)

	m.registry.MustRegister(m.trimEntriesFolded)
	m.registry.MustRegister(m.trimDuration)
	m.registry.MustRegister(m.summarizeFailures)
}

// TrimPass records one completed trim fold pass.
func (m *Manager) TrimPass(folded int, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.trimEntriesFolded.Add(float64(folded))
	m.trimDuration.Observe(duration.Seconds())
}

// SummarizeFailed records a failed summarizer call.
func (m *Manager) SummarizeFailed() {
	if !m.enabled {
		return
	}
	m.summarizeFailures.Inc()
}
