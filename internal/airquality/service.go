package airquality

import (
	"context"
	"fmt"
	"time"
)

// Service is the entry point the API and CLI use for ingestion and reads.
type Service struct {
	cities      *CityRegistry
	coordinator *Coordinator
	store       Store
	now         func() time.Time
}

func NewService(cities *CityRegistry, coordinator *Coordinator, store Store) *Service {
	return &Service{
		cities:      cities,
		coordinator: coordinator,
		store:       store,
		now:         time.Now,
	}
}

// Ingest runs one ingestion pass. See Coordinator.Ingest.
func (s *Service) Ingest(ctx context.Context, cities []string, daysBack int) (*IngestReport, error) {
	return s.coordinator.Ingest(ctx, cities, daysBack)
}

// Normalized returns the fused per-bucket view for city over the last daysBack days.
func (s *Service) Normalized(ctx context.Context, city string, daysBack int, policy ResolvePolicy) (NormalizedView, error) {
	if _, ok := s.cities.Get(city); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCity, city)
	}
	if daysBack < 1 || daysBack > MaxDaysBack {
		return nil, fmt.Errorf("%w: days_back must be between 1 and %d", ErrInvalidArgument, MaxDaysBack)
	}

	to := s.now().UTC()
	from := to.Add(-time.Duration(daysBack) * 24 * time.Hour)

	ms, err := s.store.Measurements(ctx, city, "", from, to)
	if err != nil {
		return nil, fmt.Errorf("read measurements: %w", err)
	}
	ws, err := s.store.WeatherRecords(ctx, city, from, to)
	if err != nil {
		return nil, fmt.Errorf("read weather: %w", err)
	}
	return Project(ms, ws, policy), nil
}

// Measurements returns raw per-source rows for city and parameter.
func (s *Service) Measurements(ctx context.Context, city string, p Parameter, from, to time.Time) ([]Measurement, error) {
	if _, ok := s.cities.Get(city); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCity, city)
	}
	return s.store.Measurements(ctx, city, p, from, to)
}

func (s *Service) Cities() []City {
	return s.cities.All()
}

func (s *Service) UpsertCity(c City) error {
	return s.cities.Upsert(c)
}
