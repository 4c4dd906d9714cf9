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

const (
	openAQDefaultURL    = "https://api.openaq.org/v2/measurements"
	openAQPageLimit     = 1000
	openAQMaxPages      = 10
	openAQDefaultRadius = 25000
)

// OpenAQSource reads ground-station measurements from OpenAQ.
type OpenAQSource struct {
	name    string
	apiKey  string
	baseURL string
	radius  int
	client  *resilientClient
}

func NewOpenAQSource(client *http.Client, s Settings) (*OpenAQSource, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("openaq: %w", ErrMissingCredentials)
	}
	radius := s.RadiusMeters
	if radius <= 0 {
		radius = openAQDefaultRadius
	}
	return &OpenAQSource{
		name:    "openaq",
		apiKey:  s.APIKey,
		baseURL: orDefault(s.BaseURL, openAQDefaultURL),
		radius:  radius,
		client:  newResilientClient("openaq", client, s),
	}, nil
}

func (p *OpenAQSource) Name() string                { return p.name }
func (p *OpenAQSource) Kind() airquality.SourceKind { return airquality.KindGround }

type openAQResult struct {
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Location  string  `json:"location"`
	Date      struct {
		UTC string `json:"utc"`
	} `json:"date"`
}

type openAQPage struct {
	Results []json.RawMessage `json:"results"`
}

func (p *OpenAQSource) Fetch(ctx context.Context, city airquality.City, w airquality.Window) ([]airquality.RawRecord, error) {
	var records []airquality.RawRecord

	for page := 1; page <= openAQMaxPages; page++ {
		buildRequest := func(ctx context.Context) (*http.Request, error) {
			values := url.Values{}
			values.Set("coordinates", fmt.Sprintf("%.4f,%.4f", city.Latitude, city.Longitude))
			values.Set("radius", strconv.Itoa(p.radius))
			values.Set("date_from", w.From.UTC().Format(time.RFC3339))
			values.Set("date_to", w.To.UTC().Format(time.RFC3339))
			values.Set("limit", strconv.Itoa(openAQPageLimit))
			values.Set("page", strconv.Itoa(page))

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+values.Encode(), nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("X-API-Key", p.apiKey)
			req.Header.Set("Accept", "application/json")
			return req, nil
		}

		body, err := p.client.doRequestWithResilience(ctx, buildRequest)
		if err != nil {
			return nil, err
		}

		var payload openAQPage
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, airquality.NewSourceError(p.name, airquality.ClassPermanent, fmt.Errorf("decode page %d: %w", page, err))
		}

		for _, raw := range payload.Results {
			var r openAQResult
			if err := json.Unmarshal(raw, &r); err != nil {
				continue
			}
			ts, err := time.Parse(time.RFC3339, r.Date.UTC)
			if err != nil {
				ts = time.Time{}
			}
			records = append(records, airquality.RawRecord{
				Source:    p.name,
				Kind:      airquality.KindGround,
				City:      city.Name,
				Timestamp: ts,
				Parameter: r.Parameter,
				Value:     airquality.Float(r.Value),
				Unit:      r.Unit,
				Payload:   raw,
			})
		}

		if len(payload.Results) < openAQPageLimit {
			break
		}
	}

	return records, nil
}
