package airquality

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Parameter is a canonical pollutant name.
type Parameter string

const (
	PM25 Parameter = "PM2.5"
	PM10 Parameter = "PM10"
	NO2  Parameter = "NO2"
	O3   Parameter = "O3"
	SO2  Parameter = "SO2"
	CO   Parameter = "CO"
	HCHO Parameter = "HCHO"
)

// Parameters lists every supported parameter in a stable order.
var Parameters = []Parameter{PM25, PM10, NO2, O3, SO2, CO, HCHO}

var parameterAliases = map[string]Parameter{
	"pm25":             PM25,
	"pm2.5":            PM25,
	"pm2_5":            PM25,
	"pm10":             PM10,
	"no2":              NO2,
	"nitrogen_dioxide": NO2,
	"o3":               O3,
	"ozone":            O3,
	"so2":              SO2,
	"sulfur_dioxide":   SO2,
	"co":               CO,
	"carbon_monoxide":  CO,
	"hcho":             HCHO,
	"h2co":             HCHO,
	"formaldehyde":     HCHO,
}

// ParseParameter resolves provider spellings such as "pm25" or "ozone".
func ParseParameter(s string) (Parameter, bool) {
	p, ok := parameterAliases[strings.ToLower(strings.TrimSpace(s))]
	return p, ok
}

// SourceKind classifies where an observation comes from.
type SourceKind string

const (
	KindSatellite  SourceKind = "satellite"
	KindGround     SourceKind = "ground"
	KindReanalysis SourceKind = "reanalysis"
	KindWeather    SourceKind = "weather"
	KindSynthetic  SourceKind = "synthetic"
)

// CanonicalUnit is the unit every stored concentration is expressed in.
const CanonicalUnit = "µg/m³"

// BucketSize is the time resolution of stored observations.
const BucketSize = time.Hour

// Bucket truncates t to its UTC bucket start.
func Bucket(t time.Time) time.Time {
	return t.UTC().Truncate(BucketSize)
}

// Window is a half-open fetch interval [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// City is a tracked location. Name is the unique key.
type City struct {
	Name      string  `json:"name" mapstructure:"name" validate:"required"`
	Latitude  float64 `json:"latitude" mapstructure:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" mapstructure:"longitude" validate:"longitude"`
	Timezone  string  `json:"timezone" mapstructure:"timezone" validate:"omitempty,timezone"`
}

// Measurement is one canonical pollutant value for a (city, parameter, source, bucket).
type Measurement struct {
	City       string          `json:"city"`
	Parameter  Parameter       `json:"parameter"`
	Value      float64         `json:"value"`
	Unit       string          `json:"unit"`
	Source     string          `json:"source"`
	SourceKind SourceKind      `json:"source_kind"`
	Timestamp  time.Time       `json:"timestamp"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
}

// Key is the natural key of the measurement.
func (m Measurement) Key() string {
	return m.City + "|" + string(m.Parameter) + "|" + m.Source + "|" + m.Timestamp.UTC().Format(time.RFC3339)
}

// PayloadHash fingerprints the stored content. Equal hashes mean a re-ingest is a no-op.
func (m Measurement) PayloadHash() string {
	return hashParts(
		strconv.FormatFloat(m.Value, 'g', -1, 64),
		m.Unit,
		string(m.SourceKind),
		string(m.RawPayload),
	)
}

// WeatherRecord is one canonical weather observation for a (city, source, bucket).
// Nil fields were not reported by the source.
type WeatherRecord struct {
	City             string          `json:"city"`
	Timestamp        time.Time       `json:"timestamp"`
	TemperatureC     *float64        `json:"temperature_c,omitempty"`
	HumidityPct      *float64        `json:"humidity_pct,omitempty"`
	WindSpeedMS      *float64        `json:"wind_speed_ms,omitempty"`
	WindDirectionDeg *float64        `json:"wind_direction_deg,omitempty"`
	PrecipitationMM  *float64        `json:"precipitation_mm,omitempty"`
	PressureHPa      *float64        `json:"pressure_hpa,omitempty"`
	Source           string          `json:"source"`
	RawPayload       json.RawMessage `json:"raw_payload,omitempty"`
}

func (w WeatherRecord) Key() string {
	return w.City + "|" + w.Source + "|" + w.Timestamp.UTC().Format(time.RFC3339)
}

func (w WeatherRecord) PayloadHash() string {
	return hashParts(
		fmtPtr(w.TemperatureC),
		fmtPtr(w.HumidityPct),
		fmtPtr(w.WindSpeedMS),
		fmtPtr(w.WindDirectionDeg),
		fmtPtr(w.PrecipitationMM),
		fmtPtr(w.PressureHPa),
		string(w.RawPayload),
	)
}

// RawRecord is what a Source hands back before normalization. A record carries
// either a pollutant reading (Parameter set) or a weather observation (Weather set).
type RawRecord struct {
	Source string
	Kind   SourceKind

	// City may be empty when the source only knows coordinates.
	City      string
	Latitude  *float64
	Longitude *float64
	Timestamp time.Time

	Parameter string
	Value     *float64
	Unit      string

	// Ambient conditions reported alongside the reading, used for ppm/ppb conversion.
	TemperatureC *float64
	PressureHPa  *float64

	Weather *RawWeather

	Payload json.RawMessage
}

// RawWeather holds unvalidated weather fields.
type RawWeather struct {
	TemperatureC     *float64
	HumidityPct      *float64
	WindSpeedMS      *float64
	WindDirectionDeg *float64
	PrecipitationMM  *float64
	PressureHPa      *float64
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

func fmtPtr(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
