package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psantana5/imagegen/pkg/store"
)

// StoreCollector reports job counts from the store on every scrape
type StoreCollector struct {
	store   store.Store
	timeout time.Duration

	jobsByState    *prometheus.Desc
	jobsByProvider *prometheus.Desc
	avgDuration    *prometheus.Desc
	scrapeErrors   prometheus.Counter
}

// NewStoreCollector creates a collector over s
func NewStoreCollector(s store.Store) *StoreCollector {
	return &StoreCollector{
		store:   s,
		timeout: 5 * time.Second,
		jobsByState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Persisted jobs by status.", []string{"status"}, nil),
		jobsByProvider: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs_by_provider"),
			"Persisted jobs by provider.", []string{"provider"}, nil),
		avgDuration: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "job_avg_duration_ms"),
			"Average duration of completed jobs.", nil, nil),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_scrape_errors_total",
			Help:      "Failed store queries during metric collection.",
		}),
	}
}

// Describe implements prometheus.Collector
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsByState
	ch <- c.jobsByProvider
	ch <- c.avgDuration
	c.scrapeErrors.Describe(ch)
}

// Collect implements prometheus.Collector
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	m, err := c.store.GetJobMetrics(ctx)
	if err != nil {
		c.scrapeErrors.Inc()
		c.scrapeErrors.Collect(ch)
		return
	}

	for status, n := range m.JobsByState {
		ch <- prometheus.MustNewConstMetric(c.jobsByState, prometheus.GaugeValue, float64(n), string(status))
	}
	for provider, n := range m.JobsByProvider {
		ch <- prometheus.MustNewConstMetric(c.jobsByProvider, prometheus.GaugeValue, float64(n), provider)
	}
	ch <- prometheus.MustNewConstMetric(c.avgDuration, prometheus.GaugeValue, m.AvgDurationMs)
	c.scrapeErrors.Collect(ch)
}
