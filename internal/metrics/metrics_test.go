package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewIngestMetrics("airsense", reg)

	m.ObserveFetch("openaq", "success", 12, 150*time.Millisecond)
	m.ObserveFetch("openaq", "transient", 0, time.Second)
	m.ObserveRejection("openaq", "negative_value")
	m.ObserveUpsert("measurement", "written")
	m.ObserveRun(3 * time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceFetchesTotal.WithLabelValues("openaq", "success")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("openaq")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("openaq", "negative_value")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestForecastMetrics(t *testing.T) {
	m := NewForecastMetrics("airsense", prometheus.NewRegistry())

	m.ObserveTraining("PM2.5", "success", time.Second)
	m.ObservePrediction("PM2.5", "model")
	m.SetActiveModels(3)
	m.ObserveQueued()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrainingsTotal.WithLabelValues("PM2.5", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveModels))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetrainQueued))
}

func TestNilMetricsAreNoop(t *testing.T) {
	var im *IngestMetrics
	var fm *ForecastMetrics

	assert.NotPanics(t, func() {
		im.ObserveFetch("x", "success", 1, time.Second)
		im.ObserveRejection("x", "y")
		im.ObserveUpsert("measurement", "written")
		im.ObserveRun(time.Second)
		fm.ObserveTraining("PM2.5", "failed", time.Second)
		fm.ObservePrediction("PM2.5", "error")
		fm.SetActiveModels(1)
		fm.ObserveQueued()
	})
}
