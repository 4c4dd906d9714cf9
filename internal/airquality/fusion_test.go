package airquality

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bucket = time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC)

func measurement(source string, kind SourceKind, v float64) Measurement {
	return Measurement{
		City:       "New York",
		Parameter:  PM25,
		Value:      v,
		Unit:       CanonicalUnit,
		Source:     source,
		SourceKind: kind,
		Timestamp:  bucket,
	}
}

func TestFuseKeepsProvenance(t *testing.T) {
	fused := Fuse([]Measurement{
		measurement("tempo", KindSatellite, 12.0),
		measurement("openaq", KindGround, 18.5),
	})

	require.Len(t, fused, 2)
	assert.Equal(t, "openaq", fused[0].Source)
	assert.Equal(t, 18.5, fused[0].Value)
	assert.Equal(t, "tempo", fused[1].Source)
	assert.Equal(t, 12.0, fused[1].Value)
}

func TestFuseAveragesSameSourceDuplicates(t *testing.T) {
	a := measurement("openaq", KindGround, 10)
	a.RawPayload = json.RawMessage(`{"station":"a"}`)
	b := measurement("openaq", KindGround, 14)
	b.RawPayload = json.RawMessage(`{"station":"b"}`)

	fused := Fuse([]Measurement{a, b})

	require.Len(t, fused, 1)
	assert.Equal(t, 12.0, fused[0].Value)
	assert.JSONEq(t, `[{"station":"a"},{"station":"b"}]`, string(fused[0].RawPayload))
}

func TestFuseWeatherAveragesReportedFields(t *testing.T) {
	w1 := WeatherRecord{City: "New York", Timestamp: bucket, Source: "openmeteo", TemperatureC: Float(20)}
	w2 := WeatherRecord{City: "New York", Timestamp: bucket, Source: "openmeteo", TemperatureC: Float(22), HumidityPct: Float(50)}

	fused := FuseWeather([]WeatherRecord{w1, w2})

	require.Len(t, fused, 1)
	assert.Equal(t, 21.0, *fused[0].TemperatureC)
	assert.Equal(t, 50.0, *fused[0].HumidityPct)
	assert.Nil(t, fused[0].PressureHPa)
}

func TestResolvePolicies(t *testing.T) {
	rows := []Measurement{
		measurement("tempo", KindSatellite, 12.0),
		measurement("openaq", KindGround, 18.5),
	}

	sat, ok := Resolve(rows, PolicyPreferSatellite)
	require.True(t, ok)
	assert.Equal(t, 12.0, sat.Value)
	assert.Equal(t, "tempo", sat.Source)

	ground, ok := Resolve(rows, PolicyPreferGround)
	require.True(t, ok)
	assert.Equal(t, 18.5, ground.Value)
	assert.Equal(t, "openaq", ground.Source)

	avg, ok := Resolve(rows, PolicyAverage)
	require.True(t, ok)
	assert.Equal(t, 15.25, avg.Value)
	assert.Equal(t, "openaq+tempo", avg.Source)

	// falls back to the next kind in order
	onlyReanalysis := []Measurement{measurement("openweather", KindReanalysis, 9)}
	v, ok := Resolve(onlyReanalysis, PolicyPreferSatellite)
	require.True(t, ok)
	assert.Equal(t, 9.0, v.Value)

	_, ok = Resolve(nil, PolicyAverage)
	assert.False(t, ok)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("prefer-satellite")
	require.NoError(t, err)
	assert.Equal(t, PolicyPreferSatellite, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy, p)

	_, err = ParsePolicy("loudest")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestProject(t *testing.T) {
	rows := []Measurement{
		measurement("tempo", KindSatellite, 12.0),
		measurement("openaq", KindGround, 18.5),
	}
	weather := []WeatherRecord{{
		City: "New York", Timestamp: bucket, Source: "openmeteo",
		TemperatureC: Float(21), WindSpeedMS: Float(3.5),
	}}

	view := Project(rows, weather, PolicyPreferSatellite)

	obs, ok := view["2026-03-08T10:00:00Z"]
	require.True(t, ok)
	assert.Equal(t, ResolvedValue{Value: 12.0, Unit: CanonicalUnit, Source: "tempo"}, obs.Measurements[PM25])
	require.NotNil(t, obs.Weather)
	assert.Equal(t, 21.0, *obs.Weather.Temperature)
	assert.Equal(t, "openmeteo", obs.Weather.Source)

	b, err := json.Marshal(view)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"measurements":{"PM2.5":{"value":12,"unit":"µg/m³","source":"tempo"}}`)
	assert.Contains(t, string(b), `"wind_speed":3.5`)
}
