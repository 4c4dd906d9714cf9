package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/i474232898/airsense/internal/airquality"
)

const (
	openMeteoDefaultURL = "https://api.open-meteo.com/v1/forecast"
	openMeteoTimeLayout = "2006-01-02T15:04"
	openMeteoHourly     = "temperature_2m,relative_humidity_2m,wind_speed_10m,wind_direction_10m,precipitation,surface_pressure"
)

// OpenMeteoSource reads hourly weather from Open-Meteo. No API key needed.
type OpenMeteoSource struct {
	name    string
	baseURL string
	client  *resilientClient
}

func NewOpenMeteoSource(client *http.Client, s Settings) *OpenMeteoSource {
	return &OpenMeteoSource{
		name:    "openmeteo",
		baseURL: orDefault(s.BaseURL, openMeteoDefaultURL),
		client:  newResilientClient("openmeteo", client, s),
	}
}

func (p *OpenMeteoSource) Name() string                { return p.name }
func (p *OpenMeteoSource) Kind() airquality.SourceKind { return airquality.KindWeather }

type openMeteoHourlyBlock struct {
	Time          []string   `json:"time"`
	Temperature   []*float64 `json:"temperature_2m"`
	Humidity      []*float64 `json:"relative_humidity_2m"`
	WindSpeed     []*float64 `json:"wind_speed_10m"`
	WindDirection []*float64 `json:"wind_direction_10m"`
	Precipitation []*float64 `json:"precipitation"`
	Pressure      []*float64 `json:"surface_pressure"`
}

func at(vals []*float64, i int) *float64 {
	if i < len(vals) {
		return vals[i]
	}
	return nil
}

func (p *OpenMeteoSource) Fetch(ctx context.Context, city airquality.City, w airquality.Window) ([]airquality.RawRecord, error) {
	buildRequest := func(ctx context.Context) (*http.Request, error) {
		values := url.Values{}
		values.Set("latitude", fmt.Sprintf("%f", city.Latitude))
		values.Set("longitude", fmt.Sprintf("%f", city.Longitude))
		values.Set("hourly", openMeteoHourly)
		values.Set("wind_speed_unit", "ms")
		values.Set("timezone", "UTC")
		values.Set("start_date", w.From.UTC().Format("2006-01-02"))
		values.Set("end_date", w.To.UTC().Format("2006-01-02"))

		return http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+values.Encode(), nil)
	}

	body, err := p.client.doRequestWithResilience(ctx, buildRequest)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Hourly openMeteoHourlyBlock `json:"hourly"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, airquality.NewSourceError(p.name, airquality.ClassPermanent, fmt.Errorf("decode response: %w", err))
	}

	h := payload.Hourly
	records := make([]airquality.RawRecord, 0, len(h.Time))
	for i, raw := range h.Time {
		ts, err := time.ParseInLocation(openMeteoTimeLayout, raw, time.UTC)
		if err != nil || ts.Before(w.From) || !ts.Before(w.To) {
			continue
		}
		rw := &airquality.RawWeather{
			TemperatureC:     at(h.Temperature, i),
			HumidityPct:      at(h.Humidity, i),
			WindSpeedMS:      at(h.WindSpeed, i),
			WindDirectionDeg: at(h.WindDirection, i),
			PrecipitationMM:  at(h.Precipitation, i),
			PressureHPa:      at(h.Pressure, i),
		}
		// the source keeps hourly arrays; store the row that produced this record
		row, _ := json.Marshal(map[string]interface{}{
			"time":                 raw,
			"temperature_2m":       rw.TemperatureC,
			"relative_humidity_2m": rw.HumidityPct,
			"wind_speed_10m":       rw.WindSpeedMS,
			"wind_direction_10m":   rw.WindDirectionDeg,
			"precipitation":        rw.PrecipitationMM,
			"surface_pressure":     rw.PressureHPa,
		})
		records = append(records, airquality.RawRecord{
			Source:    p.name,
			Kind:      airquality.KindWeather,
			City:      city.Name,
			Timestamp: ts,
			Weather:   rw,
			Payload:   row,
		})
	}
	return records, nil
}
