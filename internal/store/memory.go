package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/airsense/internal/airquality"
)

type storedMeasurement struct {
	m    airquality.Measurement
	hash string
}

type storedWeather struct {
	w    airquality.WeatherRecord
	hash string
}

// MemoryStore is a concurrency-safe in-memory airquality.Store.
type MemoryStore struct {
	mu sync.RWMutex

	// keyed by natural key
	measurements map[string]storedMeasurement
	weather      map[string]storedWeather

	// optional max age for rows, relative to the newest write
	maxAge time.Duration
}

// NewMemoryStore creates a MemoryStore. maxAge <= 0 keeps everything.
func NewMemoryStore(maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		measurements: make(map[string]storedMeasurement),
		weather:      make(map[string]storedWeather),
		maxAge:       maxAge,
	}
}

func (s *MemoryStore) UpsertMeasurement(ctx context.Context, m airquality.Measurement) (airquality.UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return airquality.UpsertUnchanged, err
	}
	m.Timestamp = m.Timestamp.UTC()
	key := m.Key()
	hash := m.PayloadHash()

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.measurements[key]; ok && cur.hash == hash {
		return airquality.UpsertUnchanged, nil
	}
	s.measurements[key] = storedMeasurement{m: m, hash: hash}
	s.enforceRetention()
	return airquality.UpsertWritten, nil
}

func (s *MemoryStore) UpsertWeather(ctx context.Context, w airquality.WeatherRecord) (airquality.UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return airquality.UpsertUnchanged, err
	}
	w.Timestamp = w.Timestamp.UTC()
	key := w.Key()
	hash := w.PayloadHash()

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.weather[key]; ok && cur.hash == hash {
		return airquality.UpsertUnchanged, nil
	}
	s.weather[key] = storedWeather{w: w, hash: hash}
	return airquality.UpsertWritten, nil
}

// enforceRetention drops rows older than maxAge. Caller holds the write lock.
func (s *MemoryStore) enforceRetention() {
	if s.maxAge <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.maxAge)
	for k, v := range s.measurements {
		if v.m.Timestamp.Before(cutoff) {
			delete(s.measurements, k)
		}
	}
	for k, v := range s.weather {
		if v.w.Timestamp.Before(cutoff) {
			delete(s.weather, k)
		}
	}
}

func inRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && !ts.After(to)
}

func (s *MemoryStore) Measurements(ctx context.Context, city string, p airquality.Parameter, from, to time.Time) ([]airquality.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var result []airquality.Measurement
	for _, v := range s.measurements {
		m := v.m
		if m.City != city || (p != "" && m.Parameter != p) || !inRange(m.Timestamp, from, to) {
			continue
		}
		result = append(result, m)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.Before(result[j].Timestamp)
		}
		if result[i].Parameter != result[j].Parameter {
			return result[i].Parameter < result[j].Parameter
		}
		return result[i].Source < result[j].Source
	})
	return result, nil
}

func (s *MemoryStore) WeatherRecords(ctx context.Context, city string, from, to time.Time) ([]airquality.WeatherRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var result []airquality.WeatherRecord
	for _, v := range s.weather {
		if v.w.City == city && inRange(v.w.Timestamp, from, to) {
			result = append(result, v.w)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.Before(result[j].Timestamp)
		}
		return result[i].Source < result[j].Source
	})
	return result, nil
}

func (s *MemoryStore) LatestMeasurementAt(ctx context.Context, city string, p airquality.Parameter) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	for _, v := range s.measurements {
		if v.m.City == city && v.m.Parameter == p && v.m.Timestamp.After(latest) {
			latest = v.m.Timestamp
		}
	}
	return latest, nil
}

func (s *MemoryStore) CountMeasurementsSince(ctx context.Context, city string, p airquality.Parameter, since time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, v := range s.measurements {
		if v.m.City == city && v.m.Parameter == p && v.m.Timestamp.After(since) {
			n++
		}
	}
	return n, nil
}
