package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ForecastMetrics tracks training and prediction. A nil *ForecastMetrics is a no-op.
type ForecastMetrics struct {
	TrainingsTotal   *prometheus.CounterVec
	TrainingDuration prometheus.Histogram
	PredictionsTotal *prometheus.CounterVec
	ActiveModels     prometheus.Gauge
	RetrainQueued    prometheus.Counter
}

// NewForecastMetrics creates forecasting metrics and registers them with reg.
func NewForecastMetrics(namespace string, reg prometheus.Registerer) *ForecastMetrics {
	m := &ForecastMetrics{
		TrainingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forecast",
				Name:      "trainings_total",
				Help:      "Model training attempts",
			},
			[]string{"parameter", "status"}, // status: success, failed, skipped
		),
		TrainingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "forecast",
				Name:      "training_duration_seconds",
				Help:      "Duration of a model training",
				Buckets:   prometheus.DefBuckets,
			},
		),
		PredictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forecast",
				Name:      "predictions_total",
				Help:      "Forecast requests by outcome",
			},
			[]string{"parameter", "status"}, // status: model, fallback, error
		),
		ActiveModels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "forecast",
				Name:      "active_models",
				Help:      "Number of (city, parameter) pairs with a ready model",
			},
		),
		RetrainQueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "retrain_tasks_queued_total",
				Help:      "Retrain tasks accepted by the queue",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.TrainingsTotal,
			m.TrainingDuration,
			m.PredictionsTotal,
			m.ActiveModels,
			m.RetrainQueued,
		)
	}

	return m
}

func (m *ForecastMetrics) ObserveTraining(parameter, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TrainingsTotal.WithLabelValues(parameter, status).Inc()
	if status == "success" {
		m.TrainingDuration.Observe(d.Seconds())
	}
}

func (m *ForecastMetrics) ObservePrediction(parameter, status string) {
	if m == nil {
		return
	}
	m.PredictionsTotal.WithLabelValues(parameter, status).Inc()
}

func (m *ForecastMetrics) SetActiveModels(n int) {
	if m == nil {
		return
	}
	m.ActiveModels.Set(float64(n))
}

func (m *ForecastMetrics) ObserveQueued() {
	if m == nil {
		return
	}
	m.RetrainQueued.Inc()
}
