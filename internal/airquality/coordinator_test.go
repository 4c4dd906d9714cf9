package airquality_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/airsense/internal/airquality"
	"github.com/i474232898/airsense/internal/logger"
	"github.com/i474232898/airsense/internal/store"
)

type fakeSource struct {
	name  string
	kind  airquality.SourceKind
	fetch func(ctx context.Context, city airquality.City, w airquality.Window) ([]airquality.RawRecord, error)
	calls atomic.Int32
}

func (f *fakeSource) Name() string                { return f.name }
func (f *fakeSource) Kind() airquality.SourceKind { return f.kind }
func (f *fakeSource) Fetch(ctx context.Context, city airquality.City, w airquality.Window) ([]airquality.RawRecord, error) {
	f.calls.Add(1)
	return f.fetch(ctx, city, w)
}

func staticSource(name string, kind airquality.SourceKind, value float64) *fakeSource {
	ts := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Hour)
	return &fakeSource{
		name: name,
		kind: kind,
		fetch: func(_ context.Context, city airquality.City, _ airquality.Window) ([]airquality.RawRecord, error) {
			return []airquality.RawRecord{{
				City:      city.Name,
				Timestamp: ts,
				Parameter: "pm25",
				Value:     airquality.Float(value),
				Unit:      "ug/m3",
			}}, nil
		},
	}
}

func failingSource(name string, class airquality.ErrorClass) *fakeSource {
	return &fakeSource{
		name: name,
		kind: airquality.KindGround,
		fetch: func(context.Context, airquality.City, airquality.Window) ([]airquality.RawRecord, error) {
			return nil, &airquality.SourceError{Source: name, Class: class, Err: errors.New("upstream said no")}
		},
	}
}

func newCoordinator(t *testing.T, cfg airquality.CoordinatorConfig, sources ...airquality.Source) (*airquality.Coordinator, *store.MemoryStore) {
	t.Helper()
	cities, err := airquality.NewCityRegistry(
		airquality.City{Name: "New York", Latitude: 40.7128, Longitude: -74.0060, Timezone: "America/New_York"},
		airquality.City{Name: "Los Angeles", Latitude: 34.0522, Longitude: -118.2437, Timezone: "America/Los_Angeles"},
	)
	require.NoError(t, err)
	st := store.NewMemoryStore(0)
	n := airquality.NewNormalizer(cities, nil, airquality.DefaultNormalizerConfig(), nil)
	return airquality.NewCoordinator(cities, sources, n, st, cfg, logger.Discard(), nil), st
}

func TestIngestIsolatesFailingSource(t *testing.T) {
	ok := staticSource("openaq", airquality.KindGround, 18.5)
	bad := failingSource("tempo", airquality.ClassAuth)
	c, st := newCoordinator(t, airquality.CoordinatorConfig{MaxConcurrency: 4, RunTimeout: 5 * time.Second}, ok, bad)

	report, err := c.Ingest(context.Background(), []string{"New York"}, 1)
	require.NoError(t, err)

	assert.True(t, report.Sources["openaq"].Success)
	assert.Equal(t, 1, report.Sources["openaq"].Records)
	assert.Equal(t, 1, report.Sources["openaq"].Stored)

	assert.False(t, report.Sources["tempo"].Success)
	assert.Equal(t, []string{"New York"}, report.Sources["tempo"].FailedCities)
	assert.Contains(t, report.Sources["tempo"].Error, "auth_failure")
	assert.ErrorIs(t, report.Sources["tempo"].Err(), airquality.ErrSourceUnavailable)

	assert.Equal(t, 1, report.TotalRecords)
	assert.NotEmpty(t, report.RunID)

	rows, err := st.Measurements(context.Background(), "New York", airquality.PM25, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestIngestIsIdempotent(t *testing.T) {
	src := staticSource("openaq", airquality.KindGround, 18.5)
	c, st := newCoordinator(t, airquality.CoordinatorConfig{RunTimeout: 5 * time.Second}, src)

	first, err := c.Ingest(context.Background(), nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Sources["openaq"].Stored)

	second, err := c.Ingest(context.Background(), nil, 1)
	require.NoError(t, err)
	assert.Zero(t, second.Sources["openaq"].Stored)
	assert.Equal(t, 2, second.Sources["openaq"].Unchanged)

	for _, city := range []string{"New York", "Los Angeles"} {
		rows, err := st.Measurements(context.Background(), city, airquality.PM25, time.Time{}, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, rows, 1, city)
	}
}

func TestIngestTimesOutSlowSource(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	stuck := &fakeSource{
		name: "stuck",
		kind: airquality.KindSatellite,
		fetch: func(context.Context, airquality.City, airquality.Window) ([]airquality.RawRecord, error) {
			// ignores its context on purpose
			<-release
			return []airquality.RawRecord{{Parameter: "pm25", Value: airquality.Float(1), Unit: "ug/m3"}}, nil
		},
	}
	fast := staticSource("openaq", airquality.KindGround, 10)
	c, _ := newCoordinator(t, airquality.CoordinatorConfig{MaxConcurrency: 4, RunTimeout: 100 * time.Millisecond}, stuck, fast)

	start := time.Now()
	report, err := c.Ingest(context.Background(), []string{"New York"}, 1)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, report.Sources["stuck"].Success)
	assert.Contains(t, report.Sources["stuck"].Error, "run timeout")
	assert.Zero(t, report.Sources["stuck"].Records)
	assert.True(t, report.Sources["openaq"].Success)
	assert.Equal(t, 1, report.Sources["openaq"].Stored)
}

func TestIngestCapsConcurrentFetches(t *testing.T) {
	const limit = 2
	var inflight, peak atomic.Int32
	gate := make(chan struct{})

	gated := func(name string) *fakeSource {
		return &fakeSource{
			name: name,
			kind: airquality.KindGround,
			fetch: func(ctx context.Context, city airquality.City, w airquality.Window) ([]airquality.RawRecord, error) {
				n := inflight.Add(1)
				defer inflight.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				select {
				case <-gate:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return nil, nil
			},
		}
	}
	srcs := []*fakeSource{gated("a"), gated("b"), gated("c")}
	c, _ := newCoordinator(t, airquality.CoordinatorConfig{MaxConcurrency: limit, RunTimeout: 10 * time.Second}, srcs[0], srcs[1], srcs[2])

	type result struct {
		report *airquality.IngestReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := c.Ingest(context.Background(), nil, 1)
		done <- result{r, err}
	}()

	require.Eventually(t, func() bool { return inflight.Load() == limit }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(limit), peak.Load())
	close(gate)

	res := <-done
	require.NoError(t, res.err)
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	for _, s := range srcs {
		assert.Equal(t, int32(2), s.calls.Load(), s.name)
		assert.True(t, res.report.Sources[s.name].Success, s.name)
	}
}

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) UpsertMeasurement(context.Context, airquality.Measurement) (airquality.UpsertResult, error) {
	return 0, errors.New("disk full")
}

func TestIngestMarksSourceFailedOnStoreError(t *testing.T) {
	cities, err := airquality.NewCityRegistry(airquality.City{Name: "New York", Latitude: 40.7128, Longitude: -74.0060})
	require.NoError(t, err)
	n := airquality.NewNormalizer(cities, nil, airquality.DefaultNormalizerConfig(), nil)
	st := brokenStore{store.NewMemoryStore(0)}
	c := airquality.NewCoordinator(cities, []airquality.Source{staticSource("openaq", airquality.KindGround, 7)},
		n, st, airquality.CoordinatorConfig{RunTimeout: 5 * time.Second}, logger.Discard(), nil)

	report, err := c.Ingest(context.Background(), nil, 1)
	require.Error(t, err)
	require.NotNil(t, report)

	sr := report.Sources["openaq"]
	assert.False(t, sr.Success)
	assert.Equal(t, 1, sr.Records)
	assert.Zero(t, sr.Stored)
	assert.Contains(t, sr.Error, "disk full")
}

func TestIngestRejectsBadArguments(t *testing.T) {
	c, _ := newCoordinator(t, airquality.CoordinatorConfig{}, staticSource("openaq", airquality.KindGround, 1))

	_, err := c.Ingest(context.Background(), []string{"Gotham"}, 1)
	assert.ErrorIs(t, err, airquality.ErrUnknownCity)

	_, err = c.Ingest(context.Background(), nil, 0)
	assert.ErrorIs(t, err, airquality.ErrInvalidArgument)
}

func TestIngestCountsRejections(t *testing.T) {
	src := &fakeSource{
		name: "openaq",
		kind: airquality.KindGround,
		fetch: func(_ context.Context, city airquality.City, w airquality.Window) ([]airquality.RawRecord, error) {
			ts := w.To.Add(-time.Hour)
			return []airquality.RawRecord{
				{City: city.Name, Timestamp: ts, Parameter: "pm25", Value: airquality.Float(-4), Unit: "ug/m3"},
				{City: city.Name, Timestamp: ts, Parameter: "pm25", Value: airquality.Float(9), Unit: "ug/m3"},
			}, nil
		},
	}
	c, _ := newCoordinator(t, airquality.CoordinatorConfig{}, src)

	report, err := c.Ingest(context.Background(), []string{"New York"}, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Sources["openaq"].Records)
	assert.Equal(t, 1, report.Sources["openaq"].Rejected)
	assert.Equal(t, 1, report.Rejections[airquality.ReasonNegativeValue])
	assert.True(t, report.Sources["openaq"].Success)
}

func TestServiceNormalizedView(t *testing.T) {
	sat := staticSource("tempo", airquality.KindSatellite, 12.0)
	ground := staticSource("openaq", airquality.KindGround, 18.5)
	c, st := newCoordinator(t, airquality.CoordinatorConfig{}, sat, ground)

	cities, err := airquality.NewCityRegistry(airquality.City{Name: "New York", Latitude: 40.7128, Longitude: -74.0060})
	require.NoError(t, err)
	svc := airquality.NewService(cities, c, st)

	_, err = svc.Ingest(context.Background(), []string{"New York"}, 1)
	require.NoError(t, err)

	for policy, want := range map[airquality.ResolvePolicy]float64{
		airquality.PolicyPreferSatellite: 12.0,
		airquality.PolicyPreferGround:    18.5,
		airquality.PolicyAverage:         15.25,
	} {
		view, err := svc.Normalized(context.Background(), "New York", 1, policy)
		require.NoError(t, err)
		require.Len(t, view, 1)
		for _, obs := range view {
			assert.Equal(t, want, obs.Measurements[airquality.PM25].Value, policy)
		}
	}

	_, err = svc.Normalized(context.Background(), "Gotham", 1, airquality.PolicyAverage)
	assert.ErrorIs(t, err, airquality.ErrUnknownCity)
}
