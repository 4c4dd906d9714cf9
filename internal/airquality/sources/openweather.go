package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/i474232898/airsense/internal/airquality"
)

const openWeatherDefaultURL = "https://api.openweathermap.org/data/2.5/air_pollution/history"

// openWeatherComponents maps OpenWeather component keys to parameter names.
var openWeatherComponents = map[string]string{
	"pm2_5": "pm2_5",
	"pm10":  "pm10",
	"no2":   "no2",
	"o3":    "o3",
	"so2":   "so2",
	"co":    "co",
}

// OpenWeatherSource reads the OpenWeather air pollution history, a modelled
// (reanalysis-style) product reported in µg/m³.
type OpenWeatherSource struct {
	name    string
	apiKey  string
	baseURL string
	client  *resilientClient
}

func NewOpenWeatherSource(client *http.Client, s Settings) (*OpenWeatherSource, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("openweather: %w", ErrMissingCredentials)
	}
	return &OpenWeatherSource{
		name:    "openweather",
		apiKey:  s.APIKey,
		baseURL: orDefault(s.BaseURL, openWeatherDefaultURL),
		client:  newResilientClient("openweather", client, s),
	}, nil
}

func (p *OpenWeatherSource) Name() string                { return p.name }
func (p *OpenWeatherSource) Kind() airquality.SourceKind { return airquality.KindReanalysis }

type openWeatherEntry struct {
	Dt         int64              `json:"dt"`
	Components map[string]float64 `json:"components"`
}

func (p *OpenWeatherSource) Fetch(ctx context.Context, city airquality.City, w airquality.Window) ([]airquality.RawRecord, error) {
	buildRequest := func(ctx context.Context) (*http.Request, error) {
		values := url.Values{}
		values.Set("appid", p.apiKey)
		values.Set("lat", fmt.Sprintf("%f", city.Latitude))
		values.Set("lon", fmt.Sprintf("%f", city.Longitude))
		values.Set("start", strconv.FormatInt(w.From.Unix(), 10))
		values.Set("end", strconv.FormatInt(w.To.Unix(), 10))

		return http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+values.Encode(), nil)
	}

	body, err := p.client.doRequestWithResilience(ctx, buildRequest)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, airquality.NewSourceError(p.name, airquality.ClassPermanent, fmt.Errorf("decode response: %w", err))
	}

	var records []airquality.RawRecord
	for _, raw := range payload.List {
		var e openWeatherEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		ts := time.Unix(e.Dt, 0).UTC()
		for key, param := range openWeatherComponents {
			v, ok := e.Components[key]
			if !ok {
				continue
			}
			records = append(records, airquality.RawRecord{
				Source:    p.name,
				Kind:      airquality.KindReanalysis,
				City:      city.Name,
				Timestamp: ts,
				Parameter: param,
				Value:     airquality.Float(v),
				Unit:      airquality.CanonicalUnit,
				Payload:   raw,
			})
		}
	}
	return records, nil
}
