package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ems_sync"

// Metrics holds the Prometheus counters, histograms, and gauges for a sync run.
type Metrics struct {
	// Registry owns every collector below. It is served by the HTTP server
	// and pushed to the Pushgateway at the end of a run.
	Registry *prometheus.Registry

	SamplesFetched  prometheus.Counter
	RecordsDropped  *prometheus.CounterVec // labels: reason={unknown_station,malformed_record,duplicate}
	DiffFeatures    *prometheus.GaugeVec   // labels: category={insert,update,delete,unchanged}
	PublishItems    *prometheus.CounterVec // labels: op={insert,update,delete}, outcome={success,failure}
	PublishRetries  prometheus.Counter
	Runs            *prometheus.CounterVec // labels: status={success,success_with_caveats,failed}
	RunDuration     prometheus.Histogram
	LastSuccess     prometheus.Gauge
	PipelineRunning prometheus.Gauge
}

// NewMetrics creates all sync metrics and registers them, with the Go runtime
// and process collectors, in a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SamplesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_fetched_total",
			Help:      "Total sample records read from the catalog.",
		}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Sample records excluded during normalization, by reason.",
		}, []string{"reason"}),
		DiffFeatures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "diff_features",
			Help:      "Features per category in the most recent reconciled diff.",
		}, []string{"category"}),
		PublishItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_items_total",
			Help:      "Feature edits applied to the hosted layer by operation and outcome.",
		}, []string{"op", "outcome"}),
		PublishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Feature edits retried individually after a batch rejection.",
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed sync runs by status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete fetch-reconcile-publish run.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 900},
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that did not fail.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a run is in progress, 0 otherwise.",
		}),
	}

	m.Registry.MustRegister(
		m.SamplesFetched,
		m.RecordsDropped,
		m.DiffFeatures,
		m.PublishItems,
		m.PublishRetries,
		m.Runs,
		m.RunDuration,
		m.LastSuccess,
		m.PipelineRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}
