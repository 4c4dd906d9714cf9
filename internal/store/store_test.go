package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/airsense/internal/airquality"
	"github.com/i474232898/airsense/internal/logger"
)

func newSQLiteDB(t *testing.T) *SQLStore {
	t.Helper()
	db, err := Open(DBConfig{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewSQLStore(db)
}

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func pm25(source string, kind airquality.SourceKind, ts time.Time, v float64) airquality.Measurement {
	return airquality.Measurement{
		City:       "New York",
		Parameter:  airquality.PM25,
		Value:      v,
		Unit:       airquality.CanonicalUnit,
		Source:     source,
		SourceKind: kind,
		Timestamp:  ts,
		RawPayload: json.RawMessage(`{"v":1}`),
	}
}

func storeImplementations(t *testing.T) map[string]func() airquality.Store {
	return map[string]func() airquality.Store{
		"memory": func() airquality.Store { return NewMemoryStore(0) },
		"sqlite": func() airquality.Store { return newSQLiteDB(t) },
	}
}

func TestStoreUpsertIdempotence(t *testing.T) {
	for name, mk := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk()
			m := pm25("openaq", airquality.KindGround, base, 12.5)

			res, err := s.UpsertMeasurement(ctx, m)
			require.NoError(t, err)
			assert.Equal(t, airquality.UpsertWritten, res)

			res, err = s.UpsertMeasurement(ctx, m)
			require.NoError(t, err)
			assert.Equal(t, airquality.UpsertUnchanged, res)

			rows, err := s.Measurements(ctx, "New York", airquality.PM25, base.Add(-time.Hour), base.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, 12.5, rows[0].Value)
		})
	}
}

func TestStoreOverwritesChangedPayload(t *testing.T) {
	for name, mk := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk()

			_, err := s.UpsertMeasurement(ctx, pm25("openaq", airquality.KindGround, base, 12.5))
			require.NoError(t, err)

			changed := pm25("openaq", airquality.KindGround, base, 14.0)
			res, err := s.UpsertMeasurement(ctx, changed)
			require.NoError(t, err)
			assert.Equal(t, airquality.UpsertWritten, res)

			rows, err := s.Measurements(ctx, "New York", airquality.PM25, base, base)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, 14.0, rows[0].Value)
		})
	}
}

func TestStoreKeepsProvenanceAndOrders(t *testing.T) {
	for name, mk := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk()

			for _, m := range []airquality.Measurement{
				pm25("tempo", airquality.KindSatellite, base.Add(time.Hour), 11),
				pm25("openaq", airquality.KindGround, base, 18.5),
				pm25("tempo", airquality.KindSatellite, base, 12.0),
			} {
				_, err := s.UpsertMeasurement(ctx, m)
				require.NoError(t, err)
			}

			rows, err := s.Measurements(ctx, "New York", "", base, base.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, rows, 3)
			assert.Equal(t, "openaq", rows[0].Source)
			assert.Equal(t, "tempo", rows[1].Source)
			assert.Equal(t, airquality.KindSatellite, rows[1].SourceKind)
			assert.True(t, rows[2].Timestamp.Equal(base.Add(time.Hour)))

			latest, err := s.LatestMeasurementAt(ctx, "New York", airquality.PM25)
			require.NoError(t, err)
			assert.True(t, latest.Equal(base.Add(time.Hour)))

			n, err := s.CountMeasurementsSince(ctx, "New York", airquality.PM25, base)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			none, err := s.LatestMeasurementAt(ctx, "Los Angeles", airquality.PM25)
			require.NoError(t, err)
			assert.True(t, none.IsZero())
		})
	}
}

func TestStoreWeather(t *testing.T) {
	for name, mk := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk()
			w := airquality.WeatherRecord{
				City:         "New York",
				Timestamp:    base,
				TemperatureC: airquality.Float(21.5),
				PressureHPa:  airquality.Float(1009),
				Source:       "openmeteo",
			}

			res, err := s.UpsertWeather(ctx, w)
			require.NoError(t, err)
			assert.Equal(t, airquality.UpsertWritten, res)

			res, err = s.UpsertWeather(ctx, w)
			require.NoError(t, err)
			assert.Equal(t, airquality.UpsertUnchanged, res)

			rows, err := s.WeatherRecords(ctx, "New York", base, base)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			require.NotNil(t, rows[0].TemperatureC)
			assert.Equal(t, 21.5, *rows[0].TemperatureC)
			require.NotNil(t, rows[0].PressureHPa)
			assert.Equal(t, 1009.0, *rows[0].PressureHPa)
			assert.Nil(t, rows[0].HumidityPct)

			w.PressureHPa = airquality.Float(838)
			w.WindSpeedMS = airquality.Float(3.2)
			res, err = s.UpsertWeather(ctx, w)
			require.NoError(t, err)
			assert.Equal(t, airquality.UpsertWritten, res)

			rows, err = s.WeatherRecords(ctx, "New York", base, base)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			require.NotNil(t, rows[0].PressureHPa)
			assert.Equal(t, 838.0, *rows[0].PressureHPa)
			require.NotNil(t, rows[0].WindSpeedMS)
			assert.Equal(t, 3.2, *rows[0].WindSpeedMS)
		})
	}
}

func TestWeatherColumnsMatchUpsert(t *testing.T) {
	s := newSQLiteDB(t)
	for _, col := range []string{
		"temperature_c", "humidity_pct", "wind_speed_ms", "wind_direction_deg",
		"precipitation_mm", "pressure_hpa", "raw_payload", "payload_hash", "updated_at",
	} {
		assert.True(t, s.db.Migrator().HasColumn(&weatherRow{}, col), col)
	}
}

func TestMemoryStoreRetention(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(48 * time.Hour)
	now := time.Now().UTC().Truncate(time.Hour)

	_, err := s.UpsertMeasurement(ctx, pm25("openaq", airquality.KindGround, now.Add(-72*time.Hour), 5))
	require.NoError(t, err)
	_, err = s.UpsertMeasurement(ctx, pm25("openaq", airquality.KindGround, now, 6))
	require.NoError(t, err)

	rows, err := s.Measurements(ctx, "New York", airquality.PM25, now.Add(-100*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 6.0, rows[0].Value)
}

func TestStoreRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore(0).UpsertMeasurement(ctx, pm25("openaq", airquality.KindGround, base, 1))
	assert.ErrorIs(t, err, context.Canceled)
}
