package airquality

import (
	"fmt"
	"strings"
)

const (
	unitUGM3 = CanonicalUnit
	unitMGM3 = "mg/m³"
	unitPPM  = "ppm"
	unitPPB  = "ppb"

	// GasConstant in J/(mol·K).
	GasConstant = 8.314462618

	// Reference conditions assumed when a reading has no ambient data.
	StandardTemperatureC = 25.0
	StandardPressureHPa  = 1013.25

	kelvinOffset = 273.15
)

// MolecularWeights in g/mol for gases reported as mixing ratios.
var MolecularWeights = map[Parameter]float64{
	O3:   48.00,
	NO2:  46.0055,
	SO2:  64.066,
	CO:   28.010,
	HCHO: 30.031,
}

var unitAliases = map[string]string{
	"µg/m³":  unitUGM3, // micro sign
	"μg/m³":  unitUGM3, // greek mu
	"µg/m3":  unitUGM3,
	"μg/m3":  unitUGM3,
	"ug/m3":  unitUGM3,
	"ug/m^3": unitUGM3,
	"ugm3":   unitUGM3,
	"mg/m³":  unitMGM3,
	"mg/m3":  unitMGM3,
	"ppm":    unitPPM,
	"ppb":    unitPPB,
}

// CanonicalizeUnit maps provider spellings onto the units the table knows.
func CanonicalizeUnit(u string) (string, bool) {
	c, ok := unitAliases[strings.ToLower(strings.TrimSpace(u))]
	if !ok {
		c, ok = unitAliases[strings.TrimSpace(u)]
	}
	return c, ok
}

// AnySource is the wildcard source in a ConversionTable.
const AnySource = "*"

type conversionKey struct {
	source string
	param  Parameter
}

// ConversionTable lists, per (source, parameter), the units that source is
// allowed to report. A source-specific entry overrides the wildcard entry.
type ConversionTable struct {
	entries map[conversionKey][]string
}

func NewConversionTable() *ConversionTable {
	return &ConversionTable{entries: make(map[conversionKey][]string)}
}

// Allow registers the accepted units for source and parameter.
func (t *ConversionTable) Allow(source string, p Parameter, units ...string) *ConversionTable {
	t.entries[conversionKey{source, p}] = units
	return t
}

// Accepts reports whether unit (already canonicalized) is valid for source and p.
func (t *ConversionTable) Accepts(source string, p Parameter, unit string) bool {
	units, ok := t.entries[conversionKey{source, p}]
	if !ok {
		units, ok = t.entries[conversionKey{AnySource, p}]
	}
	if !ok {
		return false
	}
	for _, u := range units {
		if u == unit {
			return true
		}
	}
	return false
}

// DefaultConversionTable covers the built-in sources.
func DefaultConversionTable() *ConversionTable {
	t := NewConversionTable()
	for _, p := range []Parameter{PM25, PM10} {
		t.Allow(AnySource, p, unitUGM3, unitMGM3)
	}
	for _, p := range []Parameter{NO2, O3, SO2, CO, HCHO} {
		t.Allow(AnySource, p, unitUGM3, unitMGM3, unitPPM, unitPPB)
	}
	// TEMPO level-3 products are delivered as mixing ratios.
	t.Allow("tempo", NO2, unitPPB, unitPPM)
	t.Allow("tempo", HCHO, unitPPB, unitPPM)
	t.Allow("tempo", O3, unitPPB, unitPPM)
	// OpenWeather air pollution components are always µg/m³.
	for _, p := range Parameters {
		t.Allow("openweather", p, unitUGM3)
	}
	return t
}

// Conditions are the ambient values used for mixing-ratio conversion.
type Conditions struct {
	TemperatureC float64
	PressureHPa  float64
}

// StandardConditions is 25 °C and 1013.25 hPa.
var StandardConditions = Conditions{TemperatureC: StandardTemperatureC, PressureHPa: StandardPressureHPa}

// ConvertToCanonical converts value in unit to µg/m³.
//
// Mixing ratios use µg/m³ = ppb × MW × P / (R × T) × 1e-3 with P in Pa and T in K.
func ConvertToCanonical(p Parameter, value float64, unit string, cond Conditions) (float64, error) {
	switch unit {
	case unitUGM3:
		return value, nil
	case unitMGM3:
		return value * 1000, nil
	case unitPPM:
		return ppbToUGM3(p, value*1000, cond)
	case unitPPB:
		return ppbToUGM3(p, value, cond)
	}
	return 0, fmt.Errorf("no conversion from %q", unit)
}

func ppbToUGM3(p Parameter, ppb float64, cond Conditions) (float64, error) {
	mw, ok := MolecularWeights[p]
	if !ok {
		return 0, fmt.Errorf("%s has no molecular weight", p)
	}
	tK := cond.TemperatureC + kelvinOffset
	if tK <= 0 || cond.PressureHPa <= 0 {
		return 0, fmt.Errorf("invalid ambient conditions %.2f°C %.2fhPa", cond.TemperatureC, cond.PressureHPa)
	}
	pa := cond.PressureHPa * 100
	return ppb * mw * pa / (GasConstant * tK) * 1e-3, nil
}
