package sources

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/i474232898/airsense/internal/airquality"
	"github.com/i474232898/airsense/internal/logger"
)

// Settings configures one source. Zero values fall back to per-source defaults.
type Settings struct {
	Name          string        `mapstructure:"name" validate:"required"`
	Enabled       bool          `mapstructure:"enabled"`
	BaseURL       string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey        string        `mapstructure:"api_key"`
	RatePerSecond float64       `mapstructure:"rate_per_second" validate:"gte=0"`
	Burst         int           `mapstructure:"burst" validate:"gte=0"`
	MaxRetries    int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// RadiusMeters is the station search radius around a city (ground networks).
	RadiusMeters int `mapstructure:"radius_meters" validate:"gte=0"`
	// Products are the satellite products to request.
	Products []string `mapstructure:"products"`
	// Seed makes the synthetic source reproducible.
	Seed uint64 `mapstructure:"seed"`
}

// Factory builds a source from its settings.
type Factory func(client *http.Client, s Settings) (airquality.Source, error)

var factories = map[string]Factory{
	"openaq": func(c *http.Client, s Settings) (airquality.Source, error) {
		return NewOpenAQSource(c, s)
	},
	"tempo": func(c *http.Client, s Settings) (airquality.Source, error) {
		return NewTEMPOSource(c, s)
	},
	"openweather": func(c *http.Client, s Settings) (airquality.Source, error) {
		return NewOpenWeatherSource(c, s)
	},
	"weatherapi": func(c *http.Client, s Settings) (airquality.Source, error) {
		return NewWeatherAPISource(c, s)
	},
	"openmeteo": func(c *http.Client, s Settings) (airquality.Source, error) {
		return NewOpenMeteoSource(c, s), nil
	},
	"synthetic": func(_ *http.Client, s Settings) (airquality.Source, error) {
		return NewSyntheticSource(s), nil
	},
}

// Names lists the source names Build understands.
func Names() []string {
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Build constructs every enabled source. Sources without credentials are
// skipped with a warning; unknown names are an error.
func Build(settings []Settings, client *http.Client, log logger.Logger) ([]airquality.Source, error) {
	var out []airquality.Source
	seen := make(map[string]struct{}, len(settings))
	for _, s := range settings {
		factory, ok := factories[s.Name]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("source %q configured twice", s.Name)
		}
		seen[s.Name] = struct{}{}
		if !s.Enabled {
			continue
		}

		src, err := factory(client, s)
		if errors.Is(err, ErrMissingCredentials) {
			log.WithField("source", s.Name).Warn("source disabled: no credentials configured")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("build source %s: %w", s.Name, err)
		}
		out = append(out, src)
	}
	return out, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
