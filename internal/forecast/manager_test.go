package forecast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/airsense/internal/airquality"
	"github.com/i474232898/airsense/internal/logger"
)

type fakeHistory struct {
	mu   sync.Mutex
	rows []airquality.Measurement
	err  error

	block   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newFakeHistory(samples []Sample) *fakeHistory {
	h := &fakeHistory{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h.set(samples)
	return h
}

func (h *fakeHistory) set(samples []Sample) {
	rows := make([]airquality.Measurement, len(samples))
	for i, s := range samples {
		rows[i] = airquality.Measurement{
			City:       "New York",
			Parameter:  airquality.PM25,
			Value:      s.Value,
			Unit:       airquality.CanonicalUnit,
			Source:     "ground-a",
			SourceKind: airquality.KindGround,
			Timestamp:  s.Timestamp,
		}
	}
	h.mu.Lock()
	h.rows = rows
	h.mu.Unlock()
}

func (h *fakeHistory) fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *fakeHistory) Measurements(ctx context.Context, city string, p airquality.Parameter, from, to time.Time) ([]airquality.Measurement, error) {
	if h.block.Load() {
		h.entered <- struct{}{}
		<-h.release
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	var out []airquality.Measurement
	for _, r := range h.rows {
		if r.City == city && r.Parameter == p && !r.Timestamp.Before(from) && !r.Timestamp.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestManager(t *testing.T, h HistoryReader, models ModelStore, cfg ManagerConfig) *Manager {
	t.Helper()
	cities, err := airquality.NewCityRegistry(airquality.City{
		Name: "New York", Latitude: 40.7128, Longitude: -74.0060, Timezone: "America/New_York",
	})
	require.NoError(t, err)
	now := origin.Add(168 * time.Hour)
	return NewManager(cities, h, models, cfg, logger.Discard(), nil).WithClock(func() time.Time { return now })
}

func TestTrainAndPredict(t *testing.T) {
	m := newTestManager(t, newFakeHistory(trend(168)), nil, ManagerConfig{})

	assert.Equal(t, StateUntrained, m.Status("New York", airquality.PM25).State)

	met, err := m.Train(context.Background(), "New York", airquality.PM25)
	require.NoError(t, err)
	assert.Greater(t, met.TrainingSamples, 0)

	st := m.Status("New York", airquality.PM25)
	assert.Equal(t, StateReady, st.State)
	require.NotNil(t, st.Active)
	assert.Equal(t, 1, st.Active.Version)
	assert.NotEmpty(t, st.Active.ID)

	f, err := m.Predict(context.Background(), "New York", airquality.PM25, 24)
	require.NoError(t, err)
	require.Len(t, f.Predictions, 24)
	require.Len(t, f.ConfidenceIntervals, 24)
	assert.Equal(t, 24, f.HoursAhead)
	assert.Equal(t, 1, f.Model.Version)
	assert.False(t, f.Model.Fallback)
	assert.Equal(t, DefaultConfidenceLevel, f.Model.ConfidenceLevel)

	for i, p := range f.Predictions {
		assert.Equal(t, i+1, p.Hour)
		assert.Equal(t, origin.Add(time.Duration(168+i+1)*time.Hour), p.Timestamp)
		assert.InDelta(t, 10+0.05*float64(168+i+1), p.Value, 1.0)

		ci := f.ConfidenceIntervals[i]
		assert.LessOrEqual(t, ci.Lower, p.Value)
		assert.GreaterOrEqual(t, ci.Upper, p.Value)
		assert.GreaterOrEqual(t, ci.Lower, 0.0)
	}
}

func TestPredictRejectsBadRequests(t *testing.T) {
	m := newTestManager(t, newFakeHistory(trend(168)), nil, ManagerConfig{})

	for _, h := range []int{0, -1, MaxHorizon + 1} {
		_, err := m.Predict(context.Background(), "New York", airquality.PM25, h)
		assert.ErrorIs(t, err, ErrInvalidHorizon)
	}

	_, err := m.Predict(context.Background(), "Atlantis", airquality.PM25, 24)
	assert.ErrorIs(t, err, airquality.ErrUnknownCity)

	_, err = m.Train(context.Background(), "Atlantis", airquality.PM25)
	assert.ErrorIs(t, err, airquality.ErrUnknownCity)
}

func TestInsufficientHistory(t *testing.T) {
	for _, n := range []int{0, 10} {
		m := newTestManager(t, newFakeHistory(trend(n)), nil, ManagerConfig{SyntheticFallback: true})

		_, err := m.Train(context.Background(), "New York", airquality.PM25)
		assert.ErrorIs(t, err, ErrInsufficientHistory)

		_, err = m.Predict(context.Background(), "New York", airquality.PM25, 24)
		assert.ErrorIs(t, err, ErrInsufficientHistory)
		assert.Equal(t, StateUntrained, m.Status("New York", airquality.PM25).State)
	}
}

func TestNoModelAndFallback(t *testing.T) {
	h := newFakeHistory(trend(72))

	m := newTestManager(t, h, nil, ManagerConfig{})
	_, err := m.Predict(context.Background(), "New York", airquality.PM25, 6)
	assert.ErrorIs(t, err, ErrNoModelAvailable)

	m = newTestManager(t, h, nil, ManagerConfig{SyntheticFallback: true})
	f, err := m.Predict(context.Background(), "New York", airquality.PM25, 6)
	require.NoError(t, err)
	assert.True(t, f.Model.Fallback)
	assert.Equal(t, 0, f.Model.Version)
	require.Len(t, f.Predictions, 6)
	// mean of the last 24 buckets of the trend
	assert.InDelta(t, 10+0.05*59.5, f.Predictions[0].Value, 1e-9)
	assert.Equal(t, f.Predictions[0].Value, f.Predictions[5].Value)
	assert.Nil(t, m.Active("New York", airquality.PM25))
}

func TestTrainingIsAtomic(t *testing.T) {
	h := newFakeHistory(trend(168))
	m := newTestManager(t, h, nil, ManagerConfig{})
	ctx := context.Background()

	_, err := m.Train(ctx, "New York", airquality.PM25)
	require.NoError(t, err)
	first := m.Active("New York", airquality.PM25)

	h.block.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := m.Train(ctx, "New York", airquality.PM25)
		done <- err
	}()
	<-h.entered

	assert.Equal(t, StateTraining, m.Status("New York", airquality.PM25).State)

	_, err = m.Train(ctx, "New York", airquality.PM25)
	assert.ErrorIs(t, err, ErrTrainingInProgress)

	// predictions keep using the published snapshot while training runs
	f, err := m.Predict(ctx, "New York", airquality.PM25, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Model.Version)
	assert.Same(t, first, m.Active("New York", airquality.PM25))

	h.block.Store(false)
	close(h.release)
	require.NoError(t, <-done)

	assert.Equal(t, 2, m.Active("New York", airquality.PM25).Version)
	assert.Equal(t, StateReady, m.Status("New York", airquality.PM25).State)
}

func TestFailedTrainingKeepsPreviousModel(t *testing.T) {
	h := newFakeHistory(trend(168))
	m := newTestManager(t, h, nil, ManagerConfig{})
	ctx := context.Background()

	_, err := m.Train(ctx, "New York", airquality.PM25)
	require.NoError(t, err)

	h.fail(errors.New("database is gone"))
	_, err = m.Train(ctx, "New York", airquality.PM25)
	assert.ErrorIs(t, err, ErrTrainingFailed)

	st := m.Status("New York", airquality.PM25)
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, 1, st.Active.Version)
	assert.Contains(t, st.LastError, "database is gone")

	h.fail(nil)
	h.set(trend(10))
	_, err = m.Train(ctx, "New York", airquality.PM25)
	assert.ErrorIs(t, err, ErrInsufficientHistory)
	assert.Equal(t, 1, m.Active("New York", airquality.PM25).Version)
}

func TestConstantSeriesFailsTraining(t *testing.T) {
	h := newFakeHistory(trend(168))
	m := newTestManager(t, h, nil, ManagerConfig{})
	ctx := context.Background()

	_, err := m.Train(ctx, "New York", airquality.PM25)
	require.NoError(t, err)

	h.set(constant(168, 12))
	_, err = m.Train(ctx, "New York", airquality.PM25)
	assert.ErrorIs(t, err, ErrTrainingFailed)
	assert.ErrorIs(t, err, ErrDegenerateSeries)

	st := m.Status("New York", airquality.PM25)
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, 1, st.Active.Version)
	assert.Contains(t, st.LastError, "degenerate target variance")

	fc, err := m.Predict(ctx, "New York", airquality.PM25, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, fc.Model.Version)
	require.Len(t, fc.ConfidenceIntervals, 1)
	assert.Greater(t, fc.ConfidenceIntervals[0].Upper, fc.ConfidenceIntervals[0].Lower)
}

func TestRollbackAndRestore(t *testing.T) {
	store := NewMemoryModelStore()
	h := newFakeHistory(trend(168))
	m := newTestManager(t, h, store, ManagerConfig{})
	ctx := context.Background()

	_, err := m.Train(ctx, "New York", airquality.PM25)
	require.NoError(t, err)
	h.set(trend(120))
	_, err = m.Train(ctx, "New York", airquality.PM25)
	require.NoError(t, err)

	versions, err := m.Versions(ctx, "New York", airquality.PM25)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, m.Active("New York", airquality.PM25).Version)

	snap, err := m.Rollback(ctx, "New York", airquality.PM25, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, 1, m.Active("New York", airquality.PM25).Version)

	_, err = m.Rollback(ctx, "New York", airquality.PM25, 9)
	assert.ErrorIs(t, err, ErrVersionNotFound)
	assert.Equal(t, 1, m.Active("New York", airquality.PM25).Version)

	restarted := newTestManager(t, h, store, ManagerConfig{})
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, restarted.Active("New York", airquality.PM25).Version)

	statuses := restarted.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, StateReady, statuses[0].State)
}
