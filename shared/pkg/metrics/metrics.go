// Package metrics holds the Prometheus collectors of the job manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "imagegen"

// Metrics groups every collector the manager and cleanup loop update
type Metrics struct {
	Admissions      *prometheus.CounterVec
	Attempts        *prometheus.CounterVec
	JobsFinished    *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge
	ActiveJobs      prometheus.Gauge
	BreakerOpens    *prometheus.CounterVec
	CleanupDeleted  *prometheus.CounterVec
	OutputBytes     prometheus.Gauge
	DiskFreeBytes   prometheus.Gauge
	DiskUsedPercent prometheus.Gauge
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Enqueue calls by result (accepted or the rejection reason).",
		}, []string{"result"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider generation calls by outcome kind.",
		}, []string{"provider", "outcome"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state.",
		}, []string{"provider", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from start to terminal state.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		}, []string{"provider"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs admitted but not yet picked up by a worker.",
		}),
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs queued or running.",
		}),
		BreakerOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_opens_total",
			Help:      "Times a provider credential entered cooldown.",
		}, []string{"provider"}),
		CleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_total",
			Help:      "Rows and files removed by the retention sweep.",
		}, []string{"kind", "reason"}),
		OutputBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_bytes",
			Help:      "Total size of the output directory after the last sweep.",
		}),
		DiskFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_disk_free_bytes",
			Help:      "Free bytes on the filesystem holding the output directory.",
		}),
		DiskUsedPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_disk_used_percent",
			Help:      "Used percentage of the filesystem holding the output directory.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Admissions, m.Attempts, m.JobsFinished, m.JobDuration,
			m.QueueDepth, m.ActiveJobs, m.BreakerOpens, m.CleanupDeleted,
			m.OutputBytes, m.DiskFreeBytes, m.DiskUsedPercent,
		)
	}
	return m
}
