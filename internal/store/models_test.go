package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/airsense/internal/airquality"
	"github.com/i474232898/airsense/internal/forecast"
)

func snapshot(version int, intercept float64) forecast.Snapshot {
	return forecast.Snapshot{
		ID:               fmt.Sprintf("model-%d", version),
		Version:          version,
		City:             "New York",
		Parameter:        airquality.PM25,
		TrainedAt:        base,
		Origin:           base.Add(-90 * 24 * time.Hour),
		Coefficients:     []float64{intercept, 0.1, 0.2, 0.3},
		ResidualVariance: 0.5,
		Metrics:          forecast.Metrics{MAE: 0.4, R2: 0.9, TrainingSamples: 80, ValidationSamples: 20},
	}
}

func modelStores(t *testing.T) map[string]func() forecast.ModelStore {
	return map[string]func() forecast.ModelStore{
		"memory": func() forecast.ModelStore { return forecast.NewMemoryModelStore() },
		"sqlite": func() forecast.ModelStore { return NewSQLModelStore(newSQLiteDB(t).db) },
	}
}

func TestModelStoreVersionsAndRollback(t *testing.T) {
	for name, mk := range modelStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk()

			require.NoError(t, s.Save(ctx, snapshot(1, 10)))
			require.NoError(t, s.Save(ctx, snapshot(2, 20)))

			active, err := s.Active(ctx)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, 2, active[0].Version)
			assert.Equal(t, []float64{20, 0.1, 0.2, 0.3}, active[0].Coefficients)
			assert.Equal(t, 0.9, active[0].Metrics.R2)

			versions, err := s.Versions(ctx, "New York", airquality.PM25)
			require.NoError(t, err)
			require.Len(t, versions, 2)
			assert.Equal(t, 1, versions[0].Version)

			rolled, err := s.Activate(ctx, "New York", airquality.PM25, 1)
			require.NoError(t, err)
			assert.Equal(t, 1, rolled.Version)

			active, err = s.Active(ctx)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, 1, active[0].Version)

			_, err = s.Activate(ctx, "New York", airquality.PM25, 9)
			assert.ErrorIs(t, err, forecast.ErrVersionNotFound)
		})
	}
}
