package airquality

import (
	"fmt"
	"time"

	"github.com/i474232898/airsense/internal/metrics"
)

// NormalizerConfig bounds what the normalizer accepts.
type NormalizerConfig struct {
	// MaxFutureSkew is how far ahead of now a timestamp may be.
	MaxFutureSkew time.Duration
	// MaxAge rejects records older than now-MaxAge. Zero disables the check.
	MaxAge time.Duration
	// Ceilings are per-parameter upper bounds in µg/m³.
	Ceilings map[Parameter]float64
	// MaxCityDistanceKm bounds nearest-city resolution for coordinate-only records.
	MaxCityDistanceKm float64
}

// DefaultCeilings are generous physical upper bounds.
func DefaultCeilings() map[Parameter]float64 {
	return map[Parameter]float64{
		PM25: 1000,
		PM10: 2000,
		NO2:  2000,
		O3:   1000,
		SO2:  2000,
		CO:   50000,
		HCHO: 500,
	}
}

func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		MaxFutureSkew:     24 * time.Hour,
		MaxAge:            365 * 24 * time.Hour,
		Ceilings:          DefaultCeilings(),
		MaxCityDistanceKm: 50,
	}
}

// Weather field bounds. Pressure is station (surface) pressure, so the floor
// has to admit high-altitude cities.
var (
	temperatureRange = [2]float64{-90, 60}
	humidityRange    = [2]float64{0, 100}
	windSpeedRange   = [2]float64{0, 120}
	windDirRange     = [2]float64{0, 360}
	precipRange      = [2]float64{0, 500}
	pressureRange    = [2]float64{300, 1100}
)

// NormalizeResult is the outcome of one normalization batch.
type NormalizeResult struct {
	Measurements []Measurement
	Weather      []WeatherRecord
	Rejections   []Rejection
	// AssumedConditions counts mixing-ratio conversions that fell back to
	// StandardConditions.
	AssumedConditions int
}

// RejectionsBySource counts rejections per source.
func (r NormalizeResult) RejectionsBySource() map[string]int {
	out := make(map[string]int)
	for _, rj := range r.Rejections {
		out[rj.Source]++
	}
	return out
}

// RejectionsByReason counts rejections per reason.
func (r NormalizeResult) RejectionsByReason() map[RejectReason]int {
	out := make(map[RejectReason]int)
	for _, rj := range r.Rejections {
		out[rj.Reason]++
	}
	return out
}

// Normalizer validates raw records and converts them to canonical units.
type Normalizer struct {
	cities  *CityRegistry
	table   *ConversionTable
	cfg     NormalizerConfig
	metrics *metrics.IngestMetrics
	now     func() time.Time
}

func NewNormalizer(cities *CityRegistry, table *ConversionTable, cfg NormalizerConfig, m *metrics.IngestMetrics) *Normalizer {
	if table == nil {
		table = DefaultConversionTable()
	}
	if cfg.Ceilings == nil {
		cfg.Ceilings = DefaultCeilings()
	}
	return &Normalizer{
		cities:  cities,
		table:   table,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

type ancillaryKey struct {
	city   string
	bucket time.Time
}

// Normalize processes one batch. Weather records are handled first so that
// pollutant readings in the same batch can borrow their temperature and pressure.
func (n *Normalizer) Normalize(records []RawRecord) NormalizeResult {
	var res NormalizeResult
	now := n.now().UTC()
	ancillary := make(map[ancillaryKey]Conditions)

	pending := make([]RawRecord, 0, len(records))
	for _, rec := range records {
		if rec.Weather == nil {
			pending = append(pending, rec)
			continue
		}
		w, rj := n.normalizeWeather(rec, now)
		if rj != nil {
			n.reject(&res, *rj)
			continue
		}
		res.Weather = append(res.Weather, w)
		if w.TemperatureC != nil && w.PressureHPa != nil {
			ancillary[ancillaryKey{w.City, w.Timestamp}] = Conditions{
				TemperatureC: *w.TemperatureC,
				PressureHPa:  *w.PressureHPa,
			}
		}
	}

	for _, rec := range pending {
		m, assumed, rj := n.normalizeMeasurement(rec, now, ancillary)
		if rj != nil {
			n.reject(&res, *rj)
			continue
		}
		if assumed {
			res.AssumedConditions++
		}
		res.Measurements = append(res.Measurements, m)
	}

	return res
}

func (n *Normalizer) reject(res *NormalizeResult, rj Rejection) {
	res.Rejections = append(res.Rejections, rj)
	n.metrics.ObserveRejection(rj.Source, string(rj.Reason))
}

func (n *Normalizer) resolveCity(rec RawRecord) (City, *Rejection) {
	if rec.City != "" {
		c, ok := n.cities.Get(rec.City)
		if !ok {
			return City{}, &Rejection{Source: rec.Source, Reason: ReasonUnknownCity, Detail: rec.City}
		}
		return c, nil
	}
	if rec.Latitude == nil || rec.Longitude == nil {
		return City{}, &Rejection{Source: rec.Source, Reason: ReasonMissingLocation}
	}
	c, ok := n.cities.Nearest(*rec.Latitude, *rec.Longitude, n.cfg.MaxCityDistanceKm)
	if !ok {
		return City{}, &Rejection{
			Source: rec.Source,
			Reason: ReasonUnknownCity,
			Detail: fmt.Sprintf("no city within %.0fkm of %.4f,%.4f", n.cfg.MaxCityDistanceKm, *rec.Latitude, *rec.Longitude),
		}
	}
	return c, nil
}

func (n *Normalizer) checkTimestamp(rec RawRecord, now time.Time) *Rejection {
	if rec.Timestamp.IsZero() {
		return &Rejection{Source: rec.Source, Reason: ReasonMissingTimestamp}
	}
	ts := rec.Timestamp.UTC()
	if ts.After(now.Add(n.cfg.MaxFutureSkew)) {
		return &Rejection{Source: rec.Source, Reason: ReasonFutureTimestamp, Detail: ts.Format(time.RFC3339)}
	}
	if n.cfg.MaxAge > 0 && ts.Before(now.Add(-n.cfg.MaxAge)) {
		return &Rejection{Source: rec.Source, Reason: ReasonStaleTimestamp, Detail: ts.Format(time.RFC3339)}
	}
	return nil
}

func (n *Normalizer) normalizeMeasurement(rec RawRecord, now time.Time, ancillary map[ancillaryKey]Conditions) (Measurement, bool, *Rejection) {
	city, rj := n.resolveCity(rec)
	if rj != nil {
		return Measurement{}, false, rj
	}
	if rj := n.checkTimestamp(rec, now); rj != nil {
		return Measurement{}, false, rj
	}
	if rec.Parameter == "" {
		return Measurement{}, false, &Rejection{Source: rec.Source, Reason: ReasonMissingParameter}
	}
	param, ok := ParseParameter(rec.Parameter)
	if !ok {
		return Measurement{}, false, &Rejection{Source: rec.Source, Reason: ReasonUnknownParameter, Detail: rec.Parameter}
	}
	if rec.Value == nil {
		return Measurement{}, false, &Rejection{Source: rec.Source, Reason: ReasonMissingValue, Detail: string(param)}
	}
	if *rec.Value < 0 {
		return Measurement{}, false, &Rejection{
			Source: rec.Source,
			Reason: ReasonNegativeValue,
			Detail: fmt.Sprintf("%s=%g", param, *rec.Value),
		}
	}

	unit, ok := CanonicalizeUnit(rec.Unit)
	if !ok || !n.table.Accepts(rec.Source, param, unit) {
		return Measurement{}, false, &Rejection{
			Source: rec.Source,
			Reason: ReasonUnsupportedUnit,
			Detail: fmt.Sprintf("%s in %q", param, rec.Unit),
		}
	}

	bucket := Bucket(rec.Timestamp)
	cond, assumed := n.conditionsFor(rec, city.Name, bucket, ancillary)
	if unit != unitPPB && unit != unitPPM {
		assumed = false
	}

	value, err := ConvertToCanonical(param, *rec.Value, unit, cond)
	if err != nil {
		return Measurement{}, false, &Rejection{Source: rec.Source, Reason: ReasonUnsupportedUnit, Detail: err.Error()}
	}
	if ceiling, ok := n.cfg.Ceilings[param]; ok && value > ceiling {
		return Measurement{}, false, &Rejection{
			Source: rec.Source,
			Reason: ReasonExceedsCeiling,
			Detail: fmt.Sprintf("%s=%.2f > %.2f", param, value, ceiling),
		}
	}

	kind := rec.Kind
	if kind == "" {
		kind = KindGround
	}

	return Measurement{
		City:       city.Name,
		Parameter:  param,
		Value:      value,
		Unit:       CanonicalUnit,
		Source:     rec.Source,
		SourceKind: kind,
		Timestamp:  bucket,
		RawPayload: rec.Payload,
	}, assumed, nil
}

func (n *Normalizer) conditionsFor(rec RawRecord, city string, bucket time.Time, ancillary map[ancillaryKey]Conditions) (Conditions, bool) {
	if rec.TemperatureC != nil && rec.PressureHPa != nil {
		return Conditions{TemperatureC: *rec.TemperatureC, PressureHPa: *rec.PressureHPa}, false
	}
	if c, ok := ancillary[ancillaryKey{city, bucket}]; ok {
		if rec.TemperatureC != nil {
			c.TemperatureC = *rec.TemperatureC
		}
		if rec.PressureHPa != nil {
			c.PressureHPa = *rec.PressureHPa
		}
		return c, false
	}
	c := StandardConditions
	if rec.TemperatureC != nil {
		c.TemperatureC = *rec.TemperatureC
	}
	if rec.PressureHPa != nil {
		c.PressureHPa = *rec.PressureHPa
	}
	return c, true
}

func (n *Normalizer) normalizeWeather(rec RawRecord, now time.Time) (WeatherRecord, *Rejection) {
	city, rj := n.resolveCity(rec)
	if rj != nil {
		return WeatherRecord{}, rj
	}
	if rj := n.checkTimestamp(rec, now); rj != nil {
		return WeatherRecord{}, rj
	}

	rw := rec.Weather
	checks := []struct {
		name  string
		value *float64
		rng   [2]float64
	}{
		{"temperature", rw.TemperatureC, temperatureRange},
		{"humidity", rw.HumidityPct, humidityRange},
		{"wind_speed", rw.WindSpeedMS, windSpeedRange},
		{"wind_direction", rw.WindDirectionDeg, windDirRange},
		{"precipitation", rw.PrecipitationMM, precipRange},
		{"pressure", rw.PressureHPa, pressureRange},
	}
	reported := 0
	for _, c := range checks {
		if c.value == nil {
			continue
		}
		reported++
		if *c.value < c.rng[0] || *c.value > c.rng[1] {
			return WeatherRecord{}, &Rejection{
				Source: rec.Source,
				Reason: ReasonWeatherRange,
				Detail: fmt.Sprintf("%s=%g outside [%g, %g]", c.name, *c.value, c.rng[0], c.rng[1]),
			}
		}
	}
	if reported == 0 {
		return WeatherRecord{}, &Rejection{Source: rec.Source, Reason: ReasonMissingValue, Detail: "weather"}
	}

	return WeatherRecord{
		City:             city.Name,
		Timestamp:        Bucket(rec.Timestamp),
		TemperatureC:     rw.TemperatureC,
		HumidityPct:      rw.HumidityPct,
		WindSpeedMS:      rw.WindSpeedMS,
		WindDirectionDeg: rw.WindDirectionDeg,
		PrecipitationMM:  rw.PrecipitationMM,
		PressureHPa:      rw.PressureHPa,
		Source:           rec.Source,
		RawPayload:       rec.Payload,
	}, nil
}
