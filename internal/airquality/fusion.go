package airquality

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Fuse collapses readings that share a natural key (same source reporting the
// same parameter twice in one bucket) into their mean. Readings from different
// sources stay separate rows. Output is ordered by natural key.
func Fuse(ms []Measurement) []Measurement {
	type group struct {
		m        Measurement
		sum      float64
		n        int
		payloads []json.RawMessage
	}

	groups := make(map[string]*group, len(ms))
	order := make([]string, 0, len(ms))
	for _, m := range ms {
		k := m.Key()
		g, ok := groups[k]
		if !ok {
			g = &group{m: m}
			groups[k] = g
			order = append(order, k)
		}
		g.sum += m.Value
		g.n++
		if len(m.RawPayload) > 0 {
			g.payloads = append(g.payloads, m.RawPayload)
		}
	}

	sort.Strings(order)
	out := make([]Measurement, 0, len(order))
	for _, k := range order {
		g := groups[k]
		fused := g.m
		fused.Value = g.sum / float64(g.n)
		fused.RawPayload = joinPayloads(g.payloads)
		out = append(out, fused)
	}
	return out
}

// FuseWeather is Fuse for weather records. Each field is averaged over the
// records that report it.
func FuseWeather(ws []WeatherRecord) []WeatherRecord {
	type group struct {
		w        WeatherRecord
		fields   [6]meanAcc
		payloads []json.RawMessage
	}

	groups := make(map[string]*group, len(ws))
	order := make([]string, 0, len(ws))
	for _, w := range ws {
		k := w.Key()
		g, ok := groups[k]
		if !ok {
			g = &group{w: w}
			groups[k] = g
			order = append(order, k)
		}
		for i, v := range weatherFields(&w) {
			g.fields[i].add(*v)
		}
		if len(w.RawPayload) > 0 {
			g.payloads = append(g.payloads, w.RawPayload)
		}
	}

	sort.Strings(order)
	out := make([]WeatherRecord, 0, len(order))
	for _, k := range order {
		g := groups[k]
		fused := g.w
		for i, f := range weatherFields(&fused) {
			*f = g.fields[i].ptr()
		}
		fused.RawPayload = joinPayloads(g.payloads)
		out = append(out, fused)
	}
	return out
}

func weatherFields(w *WeatherRecord) [6]**float64 {
	return [6]**float64{
		&w.TemperatureC,
		&w.HumidityPct,
		&w.WindSpeedMS,
		&w.WindDirectionDeg,
		&w.PrecipitationMM,
		&w.PressureHPa,
	}
}

type meanAcc struct {
	sum float64
	n   int
}

func (a *meanAcc) add(v *float64) {
	if v == nil {
		return
	}
	a.sum += *v
	a.n++
}

func (a meanAcc) ptr() *float64 {
	if a.n == 0 {
		return nil
	}
	return Float(a.sum / float64(a.n))
}

func joinPayloads(ps []json.RawMessage) json.RawMessage {
	switch len(ps) {
	case 0:
		return nil
	case 1:
		return ps[0]
	}
	b, err := json.Marshal(ps)
	if err != nil {
		return ps[0]
	}
	return b
}

// ResolvePolicy decides which provenance wins when several sources report the
// same parameter for the same bucket.
type ResolvePolicy string

const (
	PolicyPreferSatellite ResolvePolicy = "prefer_satellite"
	PolicyPreferGround    ResolvePolicy = "prefer_ground"
	PolicyAverage         ResolvePolicy = "average"
)

// DefaultPolicy is used when the caller does not name one.
const DefaultPolicy = PolicyPreferGround

var kindPreference = map[ResolvePolicy][]SourceKind{
	PolicyPreferSatellite: {KindSatellite, KindGround, KindReanalysis, KindWeather, KindSynthetic},
	PolicyPreferGround:    {KindGround, KindSatellite, KindReanalysis, KindWeather, KindSynthetic},
}

// ParsePolicy accepts the policy names with dashes or underscores.
func ParsePolicy(s string) (ResolvePolicy, error) {
	if s == "" {
		return DefaultPolicy, nil
	}
	p := ResolvePolicy(strings.ReplaceAll(strings.ToLower(s), "-", "_"))
	switch p {
	case PolicyPreferSatellite, PolicyPreferGround, PolicyAverage:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown resolve policy %q", ErrInvalidArgument, s)
}

// ResolvedValue is a single value chosen for one parameter in one bucket.
type ResolvedValue struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
	Source string  `json:"source"`
}

// Resolve picks the value for rows that share a (city, parameter, bucket).
// Sources of the winning kind are averaged together.
func Resolve(rows []Measurement, policy ResolvePolicy) (ResolvedValue, bool) {
	if len(rows) == 0 {
		return ResolvedValue{}, false
	}

	chosen := rows
	if order, ok := kindPreference[policy]; ok {
		chosen = nil
		for _, kind := range order {
			for _, r := range rows {
				if r.SourceKind == kind {
					chosen = append(chosen, r)
				}
			}
			if len(chosen) > 0 {
				break
			}
		}
		if len(chosen) == 0 {
			chosen = rows
		}
	}

	var sum float64
	names := make([]string, 0, len(chosen))
	for _, r := range chosen {
		sum += r.Value
		names = append(names, r.Source)
	}
	sort.Strings(names)

	return ResolvedValue{
		Value:  sum / float64(len(chosen)),
		Unit:   CanonicalUnit,
		Source: strings.Join(names, "+"),
	}, true
}

// ResolvedWeather is the weather block of a FusedObservation.
type ResolvedWeather struct {
	Temperature   *float64 `json:"temperature"`
	Humidity      *float64 `json:"humidity"`
	WindSpeed     *float64 `json:"wind_speed"`
	WindDirection *float64 `json:"wind_direction"`
	Precipitation *float64 `json:"precipitation"`
	Pressure      *float64 `json:"pressure"`
	Source        string   `json:"source"`
}

// FusedObservation joins everything known about a city at one bucket.
type FusedObservation struct {
	Measurements map[Parameter]ResolvedValue `json:"measurements"`
	Weather      *ResolvedWeather            `json:"weather,omitempty"`
}

// NormalizedView is keyed by the bucket start in RFC 3339.
type NormalizedView map[string]FusedObservation

// Project builds the read-time view for one city. Nothing is persisted.
func Project(ms []Measurement, ws []WeatherRecord, policy ResolvePolicy) NormalizedView {
	type paramKey struct {
		ts    time.Time
		param Parameter
	}
	byParam := make(map[paramKey][]Measurement)
	for _, m := range ms {
		k := paramKey{m.Timestamp.UTC(), m.Parameter}
		byParam[k] = append(byParam[k], m)
	}

	view := make(NormalizedView)
	obs := func(ts time.Time) FusedObservation {
		key := ts.UTC().Format(time.RFC3339)
		o, ok := view[key]
		if !ok {
			o = FusedObservation{Measurements: make(map[Parameter]ResolvedValue)}
			view[key] = o
		}
		return o
	}

	for k, rows := range byParam {
		if v, ok := Resolve(rows, policy); ok {
			obs(k.ts).Measurements[k.param] = v
		}
	}

	byTS := make(map[time.Time][]WeatherRecord)
	for _, w := range ws {
		byTS[w.Timestamp.UTC()] = append(byTS[w.Timestamp.UTC()], w)
	}
	for ts, rows := range byTS {
		o := obs(ts)
		o.Weather = resolveWeather(rows)
		view[ts.Format(time.RFC3339)] = o
	}

	return view
}

func resolveWeather(rows []WeatherRecord) *ResolvedWeather {
	var acc [6]meanAcc
	names := make([]string, 0, len(rows))
	for i := range rows {
		for j, f := range weatherFields(&rows[i]) {
			acc[j].add(*f)
		}
		names = append(names, rows[i].Source)
	}
	sort.Strings(names)

	return &ResolvedWeather{
		Temperature:   acc[0].ptr(),
		Humidity:      acc[1].ptr(),
		WindSpeed:     acc[2].ptr(),
		WindDirection: acc[3].ptr(),
		Precipitation: acc[4].ptr(),
		Pressure:      acc[5].ptr(),
		Source:        strings.Join(names, "+"),
	}
}
