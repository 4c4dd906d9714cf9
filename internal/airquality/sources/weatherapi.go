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

const weatherAPIDefaultURL = "https://api.weatherapi.com/v1/history.json"

// WeatherAPISource reads hourly weather history from WeatherAPI.com, one
// request per UTC day of the window.
type WeatherAPISource struct {
	name    string
	apiKey  string
	baseURL string
	client  *resilientClient
}

func NewWeatherAPISource(client *http.Client, s Settings) (*WeatherAPISource, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("weatherapi: %w", ErrMissingCredentials)
	}
	return &WeatherAPISource{
		name:    "weatherapi",
		apiKey:  s.APIKey,
		baseURL: orDefault(s.BaseURL, weatherAPIDefaultURL),
		client:  newResilientClient("weatherapi", client, s),
	}, nil
}

func (p *WeatherAPISource) Name() string                { return p.name }
func (p *WeatherAPISource) Kind() airquality.SourceKind { return airquality.KindWeather }

type weatherAPIHour struct {
	TimeEpoch  int64    `json:"time_epoch"`
	TempC      *float64 `json:"temp_c"`
	Humidity   *float64 `json:"humidity"`
	WindKph    *float64 `json:"wind_kph"`
	WindDegree *float64 `json:"wind_degree"`
	PrecipMm   *float64 `json:"precip_mm"`
	PressureMb *float64 `json:"pressure_mb"`
}

func (p *WeatherAPISource) Fetch(ctx context.Context, city airquality.City, w airquality.Window) ([]airquality.RawRecord, error) {
	var records []airquality.RawRecord
	for day := w.From.UTC().Truncate(24 * time.Hour); day.Before(w.To); day = day.Add(24 * time.Hour) {
		dt := day.Format("2006-01-02")
		buildRequest := func(ctx context.Context) (*http.Request, error) {
			values := url.Values{}
			values.Set("key", p.apiKey)
			// WeatherAPI uses "q" for location; it accepts "lat,lon".
			values.Set("q", fmt.Sprintf("%f,%f", city.Latitude, city.Longitude))
			values.Set("dt", dt)
			return http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+values.Encode(), nil)
		}

		body, err := p.client.doRequestWithResilience(ctx, buildRequest)
		if err != nil {
			return nil, err
		}

		var payload struct {
			Forecast struct {
				ForecastDay []struct {
					Hour []json.RawMessage `json:"hour"`
				} `json:"forecastday"`
			} `json:"forecast"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, airquality.NewSourceError(p.name, airquality.ClassPermanent, fmt.Errorf("decode %s: %w", dt, err))
		}

		for _, fd := range payload.Forecast.ForecastDay {
			for _, raw := range fd.Hour {
				var h weatherAPIHour
				if err := json.Unmarshal(raw, &h); err != nil {
					continue
				}
				ts := time.Unix(h.TimeEpoch, 0).UTC()
				if ts.Before(w.From) || !ts.Before(w.To) {
					continue
				}
				records = append(records, airquality.RawRecord{
					Source:    p.name,
					Kind:      airquality.KindWeather,
					City:      city.Name,
					Timestamp: ts,
					Weather: &airquality.RawWeather{
						TemperatureC:     h.TempC,
						HumidityPct:      h.Humidity,
						WindSpeedMS:      kphToMS(h.WindKph),
						WindDirectionDeg: h.WindDegree,
						PrecipitationMM:  h.PrecipMm,
						PressureHPa:      h.PressureMb,
					},
					Payload: raw,
				})
			}
		}
	}
	return records, nil
}

func kphToMS(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return airquality.Float(*v / 3.6)
}
