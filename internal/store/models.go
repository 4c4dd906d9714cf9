package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/i474232898/airsense/internal/airquality"
	"github.com/i474232898/airsense/internal/forecast"
)

type modelRow struct {
	ID                string    `gorm:"primaryKey;size:36"`
	City              string    `gorm:"size:128;not null;uniqueIndex:idx_model_version"`
	Parameter         string    `gorm:"size:16;not null;uniqueIndex:idx_model_version"`
	Version           int       `gorm:"not null;uniqueIndex:idx_model_version"`
	Active            bool      `gorm:"not null;index"`
	TrainedAt         time.Time `gorm:"not null"`
	Origin            time.Time `gorm:"not null"`
	Coefficients      string    `gorm:"type:text;not null"`
	ResidualVariance  float64
	MAE               float64
	RMSE              float64
	R2                float64
	TrainingSamples   int
	ValidationSamples int
	CreatedAt         time.Time
}

func (modelRow) TableName() string { return "forecast_models" }

func toModelRow(s forecast.Snapshot) (modelRow, error) {
	coef, err := json.Marshal(s.Coefficients)
	if err != nil {
		return modelRow{}, err
	}
	return modelRow{
		ID:                s.ID,
		City:              s.City,
		Parameter:         string(s.Parameter),
		Version:           s.Version,
		TrainedAt:         s.TrainedAt.UTC(),
		Origin:            s.Origin.UTC(),
		Coefficients:      string(coef),
		ResidualVariance:  s.ResidualVariance,
		MAE:               s.Metrics.MAE,
		RMSE:              s.Metrics.RMSE,
		R2:                s.Metrics.R2,
		TrainingSamples:   s.Metrics.TrainingSamples,
		ValidationSamples: s.Metrics.ValidationSamples,
	}, nil
}

func (r modelRow) snapshot() (forecast.Snapshot, error) {
	var coef []float64
	if err := json.Unmarshal([]byte(r.Coefficients), &coef); err != nil {
		return forecast.Snapshot{}, fmt.Errorf("decode coefficients of %s: %w", r.ID, err)
	}
	return forecast.Snapshot{
		ID:               r.ID,
		Version:          r.Version,
		City:             r.City,
		Parameter:        airquality.Parameter(r.Parameter),
		TrainedAt:        r.TrainedAt.UTC(),
		Origin:           r.Origin.UTC(),
		Coefficients:     coef,
		ResidualVariance: r.ResidualVariance,
		Metrics: forecast.Metrics{
			MAE:               r.MAE,
			RMSE:              r.RMSE,
			R2:                r.R2,
			TrainingSamples:   r.TrainingSamples,
			ValidationSamples: r.ValidationSamples,
		},
	}, nil
}

// SQLModelStore is a forecast.ModelStore in the forecast_models table.
type SQLModelStore struct {
	db *gorm.DB
}

func NewSQLModelStore(db *gorm.DB) *SQLModelStore {
	return &SQLModelStore{db: db}
}

// Save inserts the version and flips the active flag in one transaction.
func (s *SQLModelStore) Save(ctx context.Context, snap forecast.Snapshot) error {
	row, err := toModelRow(snap)
	if err != nil {
		return err
	}
	row.Active = true

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&modelRow{}).
			Where("city = ? AND parameter = ? AND active = ?", row.City, row.Parameter, true).
			Update("active", false).Error; err != nil {
			return fmt.Errorf("deactivate previous: %w", err)
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert model: %w", err)
		}
		return nil
	})
}

func (s *SQLModelStore) Activate(ctx context.Context, city string, p airquality.Parameter, version int) (forecast.Snapshot, error) {
	var row modelRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("city = ? AND parameter = ? AND version = ?", city, string(p), version).
			First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s/%s v%d", forecast.ErrVersionNotFound, city, p, version)
			}
			return err
		}
		if err := tx.Model(&modelRow{}).
			Where("city = ? AND parameter = ?", city, string(p)).
			Update("active", false).Error; err != nil {
			return err
		}
		return tx.Model(&modelRow{}).Where("id = ?", row.ID).Update("active", true).Error
	})
	if err != nil {
		return forecast.Snapshot{}, err
	}
	return row.snapshot()
}

func (s *SQLModelStore) Active(ctx context.Context) ([]forecast.Snapshot, error) {
	var rows []modelRow
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("city, parameter").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query active models: %w", err)
	}
	return snapshots(rows)
}

func (s *SQLModelStore) Versions(ctx context.Context, city string, p airquality.Parameter) ([]forecast.Snapshot, error) {
	var rows []modelRow
	err := s.db.WithContext(ctx).
		Where("city = ? AND parameter = ?", city, string(p)).
		Order("version").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query model versions: %w", err)
	}
	return snapshots(rows)
}

func snapshots(rows []modelRow) ([]forecast.Snapshot, error) {
	out := make([]forecast.Snapshot, 0, len(rows))
	for _, r := range rows {
		snap, err := r.snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}
