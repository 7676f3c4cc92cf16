package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mmts_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the ETL pipeline.
type Metrics struct {
	AcquisitionsProcessed prometheus.Counter
	AcquisitionsDropped   *prometheus.CounterVec // labels: reason={cloudy,out_of_period,no_match,error}
	RowsProduced          prometheus.Counter
	RowsFiltered          prometheus.Counter
	ProcessingErrors      prometheus.Counter
	PipelineRunning       prometheus.Gauge

	// Sample regions.
	RegionsGenerated prometheus.Counter
	RegionsRejected  prometheus.Counter

	StageDuration *prometheus.HistogramVec // labels: stage={terrain,optical,weather,join,radar,zonal,load}

	// Climate archive metrics.
	ClimateRequests    *prometheus.CounterVec // labels: outcome={success,error,empty}
	ClimateCache       *prometheus.CounterVec // labels: result={hit,miss}
	ClimateAPIDuration prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		AcquisitionsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_processed_total",
			Help:      "Radar acquisitions that produced a joined record.",
		}),
		AcquisitionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_dropped_total",
			Help:      "Acquisitions discarded before aggregation, by reason.",
		}, []string{"reason"}),
		RowsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_produced_total",
			Help:      "Aggregated rows written to the sink.",
		}),
		RowsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_filtered_total",
			Help:      "Aggregated rows dropped by the null policy.",
		}),
		ProcessingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_errors_total",
			Help:      "Acquisitions skipped after a stage failure.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a run is in progress, 0 otherwise.",
		}),
		RegionsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regions_generated_total",
			Help:      "Sample regions accepted by the generator.",
		}),
		RegionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regions_rejected_total",
			Help:      "Candidate sample regions rejected as mixed or invalid land cover.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent in each pipeline stage.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"stage"}),
		ClimateRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "climate_requests_total",
			Help:      "Climate archive requests by outcome.",
		}, []string{"outcome"}),
		ClimateCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "climate_cache_total",
			Help:      "Climate cache lookups by result.",
		}, []string{"result"}),
		ClimateAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "climate_api_duration_seconds",
			Help:      "Climate archive request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.AcquisitionsProcessed,
		m.AcquisitionsDropped,
		m.RowsProduced,
		m.RowsFiltered,
		m.ProcessingErrors,
		m.PipelineRunning,
		m.RegionsGenerated,
		m.RegionsRejected,
		m.StageDuration,
		m.ClimateRequests,
		m.ClimateCache,
		m.ClimateAPIDuration,
	}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered on a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}
