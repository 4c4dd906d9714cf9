package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/i474232898/airsense/internal/airquality"
	"github.com/i474232898/airsense/internal/airquality/sources"
)

// EnvPrefix prefixes every environment override, e.g. AIRSENSE_HTTP_PORT.
const EnvPrefix = "AIRSENSE"

// credentialEnv maps source names to the conventional variables holding their keys.
var credentialEnv = map[string]string{
	"openaq":      "OPENAQ_API_KEY",
	"openweather": "OPENWEATHER_API_KEY",
	"tempo":       "EARTHDATA_TOKEN",
	"weatherapi":  "WEATHERAPI_API_KEY",
}

type Config struct {
	App        AppConfig          `mapstructure:"app"`
	HTTP       HTTPConfig         `mapstructure:"http"`
	Database   DatabaseConfig     `mapstructure:"database"`
	Cities     []airquality.City  `mapstructure:"cities" validate:"required,min=1,dive"`
	Sources    []sources.Settings `mapstructure:"sources" validate:"dive"`
	Ingestion  IngestionConfig    `mapstructure:"ingestion"`
	Normalizer NormalizerConfig   `mapstructure:"normalizer"`
	Forecast   ForecastConfig     `mapstructure:"forecast"`
}

type AppConfig struct {
	Env      string `mapstructure:"env" validate:"oneof=development production test"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=trace debug info warn warning error fatal panic"`
}

type HTTPConfig struct {
	Port            string        `mapstructure:"port" validate:"required,numeric"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver       string        `mapstructure:"driver" validate:"oneof=memory sqlite postgres"`
	DSN          string        `mapstructure:"dsn" validate:"required_unless=Driver memory"`
	MaxIdleConns int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	MaxOpenConns int           `mapstructure:"max_open_conns" validate:"gte=0"`
	Retention    time.Duration `mapstructure:"retention"`
}

type IngestionConfig struct {
	DaysBack       int           `mapstructure:"days_back" validate:"min=1,max=365"`
	Interval       time.Duration `mapstructure:"interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency" validate:"gte=1"`
}

type NormalizerConfig struct {
	MaxFutureSkew     time.Duration `mapstructure:"max_future_skew"`
	MaxAge            time.Duration `mapstructure:"max_age"`
	MaxCityDistanceKm float64       `mapstructure:"max_city_distance_km" validate:"gt=0"`
}

type ForecastConfig struct {
	TrainingWindow      time.Duration `mapstructure:"training_window"`
	MinHistory          int           `mapstructure:"min_history" validate:"gte=6"`
	ConfidenceLevel     float64       `mapstructure:"confidence_level" validate:"gt=0,lt=1"`
	SyntheticFallback   bool          `mapstructure:"synthetic_fallback"`
	Policy              string        `mapstructure:"policy"`
	RetrainCron         string        `mapstructure:"retrain_cron"`
	VolumeCheckInterval time.Duration `mapstructure:"volume_check_interval"`
	VolumeThreshold     int64         `mapstructure:"volume_threshold" validate:"gte=0"`
	QueueSize           int           `mapstructure:"queue_size" validate:"gte=1"`
	Workers             int           `mapstructure:"workers" validate:"gte=1"`
}

// ResolvePolicy returns the parsed fusion policy.
func (c ForecastConfig) ResolvePolicy() airquality.ResolvePolicy {
	p, err := airquality.ParsePolicy(c.Policy)
	if err != nil {
		return airquality.DefaultPolicy
	}
	return p
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("http.port", "8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "airsense.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.retention", 400*24*time.Hour)

	v.SetDefault("cities", []map[string]interface{}{
		{"name": "New York", "latitude": 40.7128, "longitude": -74.0060, "timezone": "America/New_York"},
		{"name": "Los Angeles", "latitude": 34.0522, "longitude": -118.2437, "timezone": "America/Los_Angeles"},
	})
	v.SetDefault("sources", []map[string]interface{}{
		{"name": "openaq", "enabled": true, "rate_per_second": 1, "burst": 2, "max_retries": 3, "timeout": "30s"},
		{"name": "tempo", "enabled": true, "rate_per_second": 0.5, "burst": 1, "max_retries": 3, "timeout": "60s"},
		{"name": "openweather", "enabled": true, "rate_per_second": 1, "burst": 1, "max_retries": 3, "timeout": "30s"},
		{"name": "weatherapi", "enabled": true, "rate_per_second": 1, "burst": 1, "max_retries": 3, "timeout": "30s"},
		{"name": "openmeteo", "enabled": true, "rate_per_second": 5, "burst": 5, "max_retries": 3, "timeout": "30s"},
		{"name": "synthetic", "enabled": false},
	})

	v.SetDefault("ingestion.days_back", 7)
	v.SetDefault("ingestion.interval", 6*time.Hour)
	v.SetDefault("ingestion.timeout", 5*time.Minute)
	v.SetDefault("ingestion.max_concurrency", 8)

	def := airquality.DefaultNormalizerConfig()
	v.SetDefault("normalizer.max_future_skew", def.MaxFutureSkew)
	v.SetDefault("normalizer.max_age", def.MaxAge)
	v.SetDefault("normalizer.max_city_distance_km", def.MaxCityDistanceKm)

	v.SetDefault("forecast.training_window", 90*24*time.Hour)
	v.SetDefault("forecast.min_history", 48)
	v.SetDefault("forecast.confidence_level", 0.80)
	v.SetDefault("forecast.synthetic_fallback", false)
	v.SetDefault("forecast.policy", string(airquality.DefaultPolicy))
	v.SetDefault("forecast.retrain_cron", "0 2 * * 0")
	v.SetDefault("forecast.volume_check_interval", time.Hour)
	v.SetDefault("forecast.volume_threshold", 24)
	v.SetDefault("forecast.queue_size", 64)
	v.SetDefault("forecast.workers", 2)
}

// Load reads .env, applies defaults and AIRSENSE_* overrides to v, and
// returns the validated configuration. A config file, if any, must already be
// read into v.
func Load(v *viper.Viper) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if env, ok := credentialEnv[s.Name]; ok && s.APIKey == "" {
			s.APIKey = os.Getenv(env)
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct rules plus the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	known := make(map[string]struct{})
	for _, n := range sources.Names() {
		known[n] = struct{}{}
	}
	for _, s := range cfg.Sources {
		if _, ok := known[s.Name]; !ok {
			return fmt.Errorf("unknown source %q (known: %s)", s.Name, strings.Join(sources.Names(), ", "))
		}
	}

	if _, err := airquality.ParsePolicy(cfg.Forecast.Policy); err != nil {
		return err
	}
	if cfg.Forecast.RetrainCron != "" {
		if _, err := cron.ParseStandard(cfg.Forecast.RetrainCron); err != nil {
			return fmt.Errorf("retrain_cron %q: %w", cfg.Forecast.RetrainCron, err)
		}
	}
	if cfg.Ingestion.Interval < 0 || cfg.Forecast.VolumeCheckInterval < 0 {
		return errors.New("intervals must not be negative")
	}
	return nil
}

// CityRegistry builds the registry from the configured cities.
func (c *Config) CityRegistry() (*airquality.CityRegistry, error) {
	return airquality.NewCityRegistry(c.Cities...)
}

// NormalizerSettings merges the configured bounds over the defaults.
func (c *Config) NormalizerSettings() airquality.NormalizerConfig {
	n := airquality.DefaultNormalizerConfig()
	n.MaxFutureSkew = c.Normalizer.MaxFutureSkew
	n.MaxAge = c.Normalizer.MaxAge
	n.MaxCityDistanceKm = c.Normalizer.MaxCityDistanceKm
	return n
}
