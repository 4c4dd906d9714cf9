package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/i474232898/airsense/internal/airquality"
)

const (
	// tempoDefaultURL is a subsetting service returning level-3 pixels as JSON.
	tempoDefaultURL = "https://harmony.earthdata.nasa.gov/tempo/l3/pixels"
	// tempoBoxDegrees is the half-width of the box requested around a city.
	tempoBoxDegrees = 0.25
)

var tempoDefaultProducts = []string{"NO2", "HCHO", "O3"}

// TEMPOSource reads NO2, HCHO and O3 pixels from the TEMPO geostationary
// instrument. Pixels carry only coordinates and are matched to cities by the
// normalizer.
type TEMPOSource struct {
	name     string
	token    string
	baseURL  string
	products []string
	client   *resilientClient
}

func NewTEMPOSource(client *http.Client, s Settings) (*TEMPOSource, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("tempo: %w", ErrMissingCredentials)
	}
	products := s.Products
	if len(products) == 0 {
		products = tempoDefaultProducts
	}
	return &TEMPOSource{
		name:     "tempo",
		token:    s.APIKey,
		baseURL:  orDefault(s.BaseURL, tempoDefaultURL),
		products: products,
		client:   newResilientClient("tempo", client, s),
	}, nil
}

func (p *TEMPOSource) Name() string                { return p.name }
func (p *TEMPOSource) Kind() airquality.SourceKind { return airquality.KindSatellite }

type tempoPixel struct {
	Product     string   `json:"product"`
	Time        string   `json:"time"`
	Lat         float64  `json:"lat"`
	Lon         float64  `json:"lon"`
	Value       *float64 `json:"value"`
	Units       string   `json:"units"`
	QualityFlag int      `json:"quality_flag"`
}

type tempoResponse struct {
	Observations []json.RawMessage `json:"observations"`
}

func (p *TEMPOSource) Fetch(ctx context.Context, city airquality.City, w airquality.Window) ([]airquality.RawRecord, error) {
	buildRequest := func(ctx context.Context) (*http.Request, error) {
		values := url.Values{}
		values.Set("bbox", fmt.Sprintf("%.4f,%.4f,%.4f,%.4f",
			city.Longitude-tempoBoxDegrees, city.Latitude-tempoBoxDegrees,
			city.Longitude+tempoBoxDegrees, city.Latitude+tempoBoxDegrees))
		values.Set("start", w.From.UTC().Format(time.RFC3339))
		values.Set("end", w.To.UTC().Format(time.RFC3339))
		values.Set("products", strings.Join(p.products, ","))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+values.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+p.token)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	body, err := p.client.doRequestWithResilience(ctx, buildRequest)
	if err != nil {
		return nil, err
	}

	var payload tempoResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, airquality.NewSourceError(p.name, airquality.ClassPermanent, fmt.Errorf("decode response: %w", err))
	}

	records := make([]airquality.RawRecord, 0, len(payload.Observations))
	for _, raw := range payload.Observations {
		var px tempoPixel
		if err := json.Unmarshal(raw, &px); err != nil {
			continue
		}
		// non-zero flags mark cloudy or otherwise unusable retrievals
		if px.QualityFlag != 0 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, px.Time)
		if err != nil {
			ts = time.Time{}
		}
		records = append(records, airquality.RawRecord{
			Source:    p.name,
			Kind:      airquality.KindSatellite,
			Latitude:  airquality.Float(px.Lat),
			Longitude: airquality.Float(px.Lon),
			Timestamp: ts,
			Parameter: px.Product,
			Value:     px.Value,
			Unit:      px.Units,
			Payload:   raw,
		})
	}
	return records, nil
}
