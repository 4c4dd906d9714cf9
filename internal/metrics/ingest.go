package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics tracks the ingestion pipeline. A nil *IngestMetrics is a no-op.
type IngestMetrics struct {
	SourceFetchesTotal  *prometheus.CounterVec
	SourceFetchDuration *prometheus.HistogramVec
	RecordsTotal        *prometheus.CounterVec
	RejectionsTotal     *prometheus.CounterVec
	UpsertsTotal        *prometheus.CounterVec
	RunDuration         prometheus.Histogram
}

// NewIngestMetrics creates ingestion metrics and registers them with reg.
func NewIngestMetrics(namespace string, reg prometheus.Registerer) *IngestMetrics {
	m := &IngestMetrics{
		SourceFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "source_fetches_total",
				Help:      "Total number of source fetches per city",
			},
			[]string{"source", "status"}, // status: success, error class
		),
		SourceFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "source_fetch_duration_seconds",
				Help:      "Duration of a single source fetch",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "records_total",
				Help:      "Raw records returned by sources",
			},
			[]string{"source"},
		),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "normalize",
				Name:      "rejections_total",
				Help:      "Records rejected during normalization",
			},
			[]string{"source", "reason"},
		),
		UpsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "upserts_total",
				Help:      "Store upserts by record kind and outcome",
			},
			[]string{"kind", "result"}, // kind: measurement, weather; result: written, unchanged, error
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "run_duration_seconds",
				Help:      "Duration of a full ingestion run",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.SourceFetchesTotal,
			m.SourceFetchDuration,
			m.RecordsTotal,
			m.RejectionsTotal,
			m.UpsertsTotal,
			m.RunDuration,
		)
	}

	return m
}

func (m *IngestMetrics) ObserveFetch(source, status string, records int, d time.Duration) {
	if m == nil {
		return
	}
	m.SourceFetchesTotal.WithLabelValues(source, status).Inc()
	m.SourceFetchDuration.WithLabelValues(source).Observe(d.Seconds())
	if records > 0 {
		m.RecordsTotal.WithLabelValues(source).Add(float64(records))
	}
}

func (m *IngestMetrics) ObserveRejection(source, reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(source, reason).Inc()
}

func (m *IngestMetrics) ObserveUpsert(kind, result string) {
	if m == nil {
		return
	}
	m.UpsertsTotal.WithLabelValues(kind, result).Inc()
}

func (m *IngestMetrics) ObserveRun(d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(d.Seconds())
}
