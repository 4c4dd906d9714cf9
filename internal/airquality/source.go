package airquality

import (
	"context"
	"time"
)

// Source abstracts an external observation feed (ground network, satellite
// product, reanalysis or weather API).
type Source interface {
	Name() string
	Kind() SourceKind
	// Fetch returns raw records for city within w. Failures are *SourceError.
	Fetch(ctx context.Context, city City, w Window) ([]RawRecord, error)
}

// UpsertResult reports whether an upsert changed stored state.
type UpsertResult int

const (
	UpsertWritten UpsertResult = iota
	UpsertUnchanged
)

func (r UpsertResult) String() string {
	if r == UpsertUnchanged {
		return "unchanged"
	}
	return "written"
}

// Store is the contract every measurement store must satisfy.
type Store interface {
	// UpsertMeasurement inserts m or overwrites the row with the same natural key
	// when its payload differs.
	UpsertMeasurement(ctx context.Context, m Measurement) (UpsertResult, error)
	UpsertWeather(ctx context.Context, w WeatherRecord) (UpsertResult, error)

	// Measurements returns rows in [from, to] ordered by timestamp then source.
	// An empty parameter matches all parameters.
	Measurements(ctx context.Context, city string, p Parameter, from, to time.Time) ([]Measurement, error)
	WeatherRecords(ctx context.Context, city string, from, to time.Time) ([]WeatherRecord, error)

	// LatestMeasurementAt returns the zero time when nothing is stored.
	LatestMeasurementAt(ctx context.Context, city string, p Parameter) (time.Time, error)
	CountMeasurementsSince(ctx context.Context, city string, p Parameter, since time.Time) (int64, error)
}
