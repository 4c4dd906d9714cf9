package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/i474232898/airsense/internal/airquality"
)

type measurementRow struct {
	City        string    `gorm:"primaryKey;size:128"`
	Parameter   string    `gorm:"primaryKey;size:16"`
	Source      string    `gorm:"primaryKey;size:64"`
	ObservedAt  time.Time `gorm:"primaryKey;index"`
	Value       float64   `gorm:"not null"`
	Unit        string    `gorm:"size:16;not null"`
	SourceKind  string    `gorm:"size:16;not null"`
	RawPayload  string    `gorm:"type:text"`
	PayloadHash string    `gorm:"size:64;not null"`
	UpdatedAt   time.Time
}

func (measurementRow) TableName() string { return "measurements" }

type weatherRow struct {
	City             string    `gorm:"primaryKey;size:128"`
	Source           string    `gorm:"primaryKey;size:64"`
	ObservedAt       time.Time `gorm:"primaryKey;index"`
	TemperatureC     *float64 `gorm:"column:temperature_c"`
	HumidityPct      *float64 `gorm:"column:humidity_pct"`
	WindSpeedMS      *float64 `gorm:"column:wind_speed_ms"`
	WindDirectionDeg *float64 `gorm:"column:wind_direction_deg"`
	PrecipitationMM  *float64 `gorm:"column:precipitation_mm"`
	PressureHPa      *float64 `gorm:"column:pressure_hpa"`
	RawPayload       string `gorm:"type:text"`
	PayloadHash      string `gorm:"size:64;not null"`
	UpdatedAt        time.Time
}

func (weatherRow) TableName() string { return "weather" }

// SQLStore is an airquality.Store backed by GORM (postgres or sqlite).
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// upsertIfChanged inserts row or, on a natural-key conflict, overwrites the
// update columns only when the payload hash differs. Zero affected rows means
// the stored row was already identical.
func (s *SQLStore) upsertIfChanged(ctx context.Context, table string, keys, updates []string, row interface{}) (airquality.UpsertResult, error) {
	cols := make([]clause.Column, 0, len(keys))
	for _, k := range keys {
		cols = append(cols, clause.Column{Name: k})
	}

	res := s.db.WithContext(ctx).
		Session(&gorm.Session{SkipDefaultTransaction: true}).
		Clauses(clause.OnConflict{
			Columns:   cols,
			DoUpdates: clause.AssignmentColumns(updates),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Neq{
					Column: clause.Column{Table: table, Name: "payload_hash"},
					Value:  clause.Column{Table: "excluded", Name: "payload_hash"},
				},
			}},
		}).
		Create(row)
	if res.Error != nil {
		return airquality.UpsertUnchanged, fmt.Errorf("upsert %s: %w", table, res.Error)
	}
	if res.RowsAffected == 0 {
		return airquality.UpsertUnchanged, nil
	}
	return airquality.UpsertWritten, nil
}

func (s *SQLStore) UpsertMeasurement(ctx context.Context, m airquality.Measurement) (airquality.UpsertResult, error) {
	row := &measurementRow{
		City:        m.City,
		Parameter:   string(m.Parameter),
		Source:      m.Source,
		ObservedAt:  m.Timestamp.UTC(),
		Value:       m.Value,
		Unit:        m.Unit,
		SourceKind:  string(m.SourceKind),
		RawPayload:  string(m.RawPayload),
		PayloadHash: m.PayloadHash(),
	}
	return s.upsertIfChanged(ctx, "measurements",
		[]string{"city", "parameter", "source", "observed_at"},
		[]string{"value", "unit", "source_kind", "raw_payload", "payload_hash", "updated_at"},
		row,
	)
}

func (s *SQLStore) UpsertWeather(ctx context.Context, w airquality.WeatherRecord) (airquality.UpsertResult, error) {
	row := &weatherRow{
		City:             w.City,
		Source:           w.Source,
		ObservedAt:       w.Timestamp.UTC(),
		TemperatureC:     w.TemperatureC,
		HumidityPct:      w.HumidityPct,
		WindSpeedMS:      w.WindSpeedMS,
		WindDirectionDeg: w.WindDirectionDeg,
		PrecipitationMM:  w.PrecipitationMM,
		PressureHPa:      w.PressureHPa,
		RawPayload:       string(w.RawPayload),
		PayloadHash:      w.PayloadHash(),
	}
	return s.upsertIfChanged(ctx, "weather",
		[]string{"city", "source", "observed_at"},
		[]string{
			"temperature_c", "humidity_pct", "wind_speed_ms", "wind_direction_deg",
			"precipitation_mm", "pressure_hpa", "raw_payload", "payload_hash", "updated_at",
		},
		row,
	)
}

func (s *SQLStore) Measurements(ctx context.Context, city string, p airquality.Parameter, from, to time.Time) ([]airquality.Measurement, error) {
	q := s.db.WithContext(ctx).
		Where("city = ? AND observed_at >= ? AND observed_at <= ?", city, from.UTC(), to.UTC())
	if p != "" {
		q = q.Where("parameter = ?", string(p))
	}

	var rows []measurementRow
	if err := q.Order("observed_at, parameter, source").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}

	out := make([]airquality.Measurement, 0, len(rows))
	for _, r := range rows {
		out = append(out, airquality.Measurement{
			City:       r.City,
			Parameter:  airquality.Parameter(r.Parameter),
			Value:      r.Value,
			Unit:       r.Unit,
			Source:     r.Source,
			SourceKind: airquality.SourceKind(r.SourceKind),
			Timestamp:  r.ObservedAt.UTC(),
			RawPayload: rawJSON(r.RawPayload),
		})
	}
	return out, nil
}

func (s *SQLStore) WeatherRecords(ctx context.Context, city string, from, to time.Time) ([]airquality.WeatherRecord, error) {
	var rows []weatherRow
	err := s.db.WithContext(ctx).
		Where("city = ? AND observed_at >= ? AND observed_at <= ?", city, from.UTC(), to.UTC()).
		Order("observed_at, source").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query weather: %w", err)
	}

	out := make([]airquality.WeatherRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, airquality.WeatherRecord{
			City:             r.City,
			Timestamp:        r.ObservedAt.UTC(),
			TemperatureC:     r.TemperatureC,
			HumidityPct:      r.HumidityPct,
			WindSpeedMS:      r.WindSpeedMS,
			WindDirectionDeg: r.WindDirectionDeg,
			PrecipitationMM:  r.PrecipitationMM,
			PressureHPa:      r.PressureHPa,
			Source:           r.Source,
			RawPayload:       rawJSON(r.RawPayload),
		})
	}
	return out, nil
}

func (s *SQLStore) LatestMeasurementAt(ctx context.Context, city string, p airquality.Parameter) (time.Time, error) {
	var rows []measurementRow
	err := s.db.WithContext(ctx).
		Where("city = ? AND parameter = ?", city, string(p)).
		Order("observed_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return time.Time{}, fmt.Errorf("query latest measurement: %w", err)
	}
	if len(rows) == 0 {
		return time.Time{}, nil
	}
	return rows[0].ObservedAt.UTC(), nil
}

func (s *SQLStore) CountMeasurementsSince(ctx context.Context, city string, p airquality.Parameter, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&measurementRow{}).
		Where("city = ? AND parameter = ? AND observed_at > ?", city, string(p), since.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count measurements: %w", err)
	}
	return n, nil
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
