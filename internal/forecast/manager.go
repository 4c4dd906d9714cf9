package forecast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/airsense/internal/airquality"
	"github.com/i474232898/airsense/internal/logger"
	"github.com/i474232898/airsense/internal/metrics"
)

// MaxHorizon is the longest forecast in hours.
const MaxHorizon = 168

// State is the lifecycle position of one (city, parameter) model.
type State string

const (
	StateUntrained State = "untrained"
	StateTraining  State = "training"
	StateReady     State = "ready"
)

// HistoryReader is the slice of the measurement store training needs.
type HistoryReader interface {
	Measurements(ctx context.Context, city string, p airquality.Parameter, from, to time.Time) ([]airquality.Measurement, error)
}

// ManagerConfig tunes training and prediction.
type ManagerConfig struct {
	// TrainingWindow is how much history a training reads.
	TrainingWindow time.Duration
	// MinHistory is the minimum number of hourly buckets to train or forecast.
	MinHistory int
	// ConfidenceLevel is the two-sided coverage of prediction bounds.
	ConfidenceLevel float64
	// SyntheticFallback serves a persistence forecast when no model is ready.
	SyntheticFallback bool
	// Policy collapses multi-source buckets into one training value.
	Policy airquality.ResolvePolicy
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		TrainingWindow:  90 * 24 * time.Hour,
		MinHistory:      48,
		ConfidenceLevel: DefaultConfidenceLevel,
		Policy:          airquality.DefaultPolicy,
	}
}

// Status reports one model slot.
type Status struct {
	City          string               `json:"city"`
	Parameter     airquality.Parameter `json:"parameter"`
	State         State                `json:"state"`
	Active        *Snapshot            `json:"active,omitempty"`
	LastError     string               `json:"last_error,omitempty"`
	LastAttemptAt time.Time            `json:"last_attempt_at,omitempty"`
}

type slot struct {
	active   atomic.Pointer[Snapshot]
	training atomic.Bool

	mu            sync.Mutex
	lastErr       error
	lastAttemptAt time.Time
}

func (s *slot) recordAttempt(at time.Time, err error) {
	s.mu.Lock()
	s.lastErr = err
	s.lastAttemptAt = at
	s.mu.Unlock()
}

// Manager owns one active snapshot per (city, parameter). Readers load the
// snapshot pointer without locking; training publishes a new snapshot with a
// single atomic store, so a forecast never sees a half-trained model.
type Manager struct {
	cities  *airquality.CityRegistry
	history HistoryReader
	models  ModelStore
	cfg     ManagerConfig
	log     logger.Logger
	metrics *metrics.ForecastMetrics
	now     func() time.Time

	mu    sync.Mutex
	slots map[modelKey]*slot
}

func NewManager(
	cities *airquality.CityRegistry,
	history HistoryReader,
	models ModelStore,
	cfg ManagerConfig,
	log logger.Logger,
	m *metrics.ForecastMetrics,
) *Manager {
	def := DefaultManagerConfig()
	if cfg.TrainingWindow <= 0 {
		cfg.TrainingWindow = def.TrainingWindow
	}
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = def.MinHistory
	}
	if cfg.ConfidenceLevel <= 0 || cfg.ConfidenceLevel >= 1 {
		cfg.ConfidenceLevel = def.ConfidenceLevel
	}
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if models == nil {
		models = NewMemoryModelStore()
	}
	return &Manager{
		cities:  cities,
		history: history,
		models:  models,
		cfg:     cfg,
		log:     log.WithField("component", "forecast"),
		metrics: m,
		now:     time.Now,
		slots:   make(map[modelKey]*slot),
	}
}

// WithClock replaces the time source. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) slot(city string, p airquality.Parameter) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := modelKey{city, p}
	s, ok := m.slots[k]
	if !ok {
		s = &slot{}
		m.slots[k] = s
	}
	return s
}

func (m *Manager) checkCity(city string) error {
	if m.cities == nil {
		return nil
	}
	if _, ok := m.cities.Get(city); !ok {
		return fmt.Errorf("%w: %q", airquality.ErrUnknownCity, city)
	}
	return nil
}

// Restore loads the persisted active snapshots. Call once at start.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	snaps, err := m.models.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active models: %w", err)
	}
	for i := range snaps {
		snap := snaps[i]
		m.slot(snap.City, snap.Parameter).active.Store(&snap)
	}
	m.metrics.SetActiveModels(m.countActive())
	return len(snaps), nil
}

// Series loads the hourly training series for city and parameter, one value
// per bucket after resolving multiple sources.
func (m *Manager) Series(ctx context.Context, city string, p airquality.Parameter) ([]Sample, error) {
	to := m.now().UTC()
	from := to.Add(-m.cfg.TrainingWindow)
	rows, err := m.history.Measurements(ctx, city, p, from, to)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	byBucket := make(map[time.Time][]airquality.Measurement)
	for _, r := range rows {
		b := airquality.Bucket(r.Timestamp)
		byBucket[b] = append(byBucket[b], r)
	}

	samples := make([]Sample, 0, len(byBucket))
	for ts, group := range byBucket {
		if v, ok := airquality.Resolve(group, m.cfg.Policy); ok {
			samples = append(samples, Sample{Timestamp: ts, Value: v.Value})
		}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })
	return samples, nil
}

// Train fits a new model and publishes it. On any failure the previously
// active model keeps serving.
func (m *Manager) Train(ctx context.Context, city string, p airquality.Parameter) (Metrics, error) {
	if err := m.checkCity(city); err != nil {
		return Metrics{}, err
	}
	s := m.slot(city, p)
	if !s.training.CompareAndSwap(false, true) {
		m.metrics.ObserveTraining(string(p), "skipped", 0)
		return Metrics{}, fmt.Errorf("%w: %s/%s", ErrTrainingInProgress, city, p)
	}
	defer s.training.Store(false)

	start := m.now()
	log := m.log.WithFields(map[string]interface{}{"city": city, "parameter": p})

	snap, err := m.train(ctx, city, p)
	s.recordAttempt(start.UTC(), err)
	if err != nil {
		m.metrics.ObserveTraining(string(p), "failed", 0)
		log.WithError(err).Warn("training failed, keeping previous model")
		return Metrics{}, err
	}

	s.active.Store(snap)
	m.metrics.ObserveTraining(string(p), "success", m.now().Sub(start))
	m.metrics.SetActiveModels(m.countActive())
	log.WithFields(map[string]interface{}{
		"version": snap.Version,
		"mae":     snap.Metrics.MAE,
		"r2":      snap.Metrics.R2,
	}).Info("model published")
	return snap.Metrics, nil
}

func (m *Manager) train(ctx context.Context, city string, p airquality.Parameter) (*Snapshot, error) {
	samples, err := m.Series(ctx, city, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrainingFailed, err)
	}
	if len(samples) < m.cfg.MinHistory {
		return nil, fmt.Errorf("%w: %d buckets for %s/%s, need %d", ErrInsufficientHistory, len(samples), city, p, m.cfg.MinHistory)
	}

	snap, err := Fit(samples, m.cfg.MinHistory)
	if err != nil {
		if errors.Is(err, ErrInsufficientHistory) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTrainingFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrainingFailed, err)
	}

	versions, err := m.models.Versions(ctx, city, p)
	if err != nil {
		return nil, fmt.Errorf("%w: list versions: %v", ErrTrainingFailed, err)
	}
	snap.Version = 1
	if n := len(versions); n > 0 {
		snap.Version = versions[n-1].Version + 1
	}
	snap.ID = uuid.NewString()
	snap.City = city
	snap.Parameter = p
	snap.TrainedAt = m.now().UTC()

	if err := m.models.Save(ctx, *snap); err != nil {
		return nil, fmt.Errorf("%w: save model: %v", ErrTrainingFailed, err)
	}
	return snap, nil
}

// Rollback re-activates a previously saved version.
func (m *Manager) Rollback(ctx context.Context, city string, p airquality.Parameter, version int) (*Snapshot, error) {
	if err := m.checkCity(city); err != nil {
		return nil, err
	}
	s := m.slot(city, p)
	if !s.training.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s/%s", ErrTrainingInProgress, city, p)
	}
	defer s.training.Store(false)

	snap, err := m.models.Activate(ctx, city, p, version)
	if err != nil {
		return nil, err
	}
	s.active.Store(&snap)
	m.metrics.SetActiveModels(m.countActive())
	m.log.WithFields(map[string]interface{}{"city": city, "parameter": p, "version": version}).Info("model rolled back")
	return &snap, nil
}

// Active returns the published snapshot, or nil.
func (m *Manager) Active(city string, p airquality.Parameter) *Snapshot {
	return m.slot(city, p).active.Load()
}

// Versions lists every persisted version for a key.
func (m *Manager) Versions(ctx context.Context, city string, p airquality.Parameter) ([]Snapshot, error) {
	return m.models.Versions(ctx, city, p)
}

// Status reports the state of one slot.
func (m *Manager) Status(city string, p airquality.Parameter) Status {
	return m.status(city, p, m.slot(city, p))
}

func (m *Manager) status(city string, p airquality.Parameter, s *slot) Status {
	st := Status{City: city, Parameter: p, State: StateUntrained, Active: s.active.Load()}
	if st.Active != nil {
		st.State = StateReady
	}
	if s.training.Load() {
		st.State = StateTraining
	}
	s.mu.Lock()
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	st.LastAttemptAt = s.lastAttemptAt
	s.mu.Unlock()
	return st
}

// Statuses reports every slot the manager has seen.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	keys := make([]modelKey, 0, len(m.slots))
	slots := make([]*slot, 0, len(m.slots))
	for k, s := range m.slots {
		keys = append(keys, k)
		slots = append(slots, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(keys))
	for i, k := range keys {
		out = append(out, m.status(k.city, k.param, slots[i]))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].City != out[j].City {
			return out[i].City < out[j].City
		}
		return out[i].Parameter < out[j].Parameter
	})
	return out
}

func (m *Manager) countActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s.active.Load() != nil {
			n++
		}
	}
	return n
}

// Prediction is one forecast point.
type Prediction struct {
	Hour      int       `json:"hour"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Interval is the confidence band of one forecast point.
type Interval struct {
	Hour  int     `json:"hour"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// ModelMetadata describes the snapshot that produced a forecast.
type ModelMetadata struct {
	TrainedAt       time.Time `json:"trained_at"`
	Accuracy        float64   `json:"accuracy"`
	MAE             float64   `json:"mae"`
	Version         int       `json:"version"`
	ConfidenceLevel float64   `json:"confidence_level"`
	Fallback        bool      `json:"fallback"`
}

// Forecast is the transient result of Predict.
type Forecast struct {
	City                string               `json:"city"`
	Parameter           airquality.Parameter `json:"parameter"`
	HoursAhead          int                  `json:"hours_ahead"`
	Predictions         []Prediction         `json:"predictions"`
	ConfidenceIntervals []Interval           `json:"confidence_intervals"`
	Model               ModelMetadata        `json:"model_metadata"`
}

// Predict forecasts hoursAhead hourly points after the current bucket.
// Minimum history is only checked when no snapshot is active.
func (m *Manager) Predict(ctx context.Context, city string, p airquality.Parameter, hoursAhead int) (*Forecast, error) {
	if hoursAhead < 1 || hoursAhead > MaxHorizon {
		return nil, fmt.Errorf("%w: hours_ahead must be between 1 and %d, got %d", ErrInvalidHorizon, MaxHorizon, hoursAhead)
	}
	if err := m.checkCity(city); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := m.slot(city, p).active.Load()
	status := "model"
	if snap == nil {
		samples, err := m.Series(ctx, city, p)
		if err != nil {
			m.metrics.ObservePrediction(string(p), "error")
			return nil, err
		}
		if len(samples) < m.cfg.MinHistory {
			m.metrics.ObservePrediction(string(p), "error")
			return nil, fmt.Errorf("%w: %d buckets for %s/%s, need %d", ErrInsufficientHistory, len(samples), city, p, m.cfg.MinHistory)
		}
		if !m.cfg.SyntheticFallback {
			m.metrics.ObservePrediction(string(p), "error")
			return nil, fmt.Errorf("%w: %s/%s", ErrNoModelAvailable, city, p)
		}
		snap = Persistence(samples)
		snap.City, snap.Parameter, snap.TrainedAt = city, p, m.now().UTC()
		status = "fallback"
	}

	anchor := m.now().UTC().Truncate(airquality.BucketSize)
	f := &Forecast{
		City:                city,
		Parameter:           p,
		HoursAhead:          hoursAhead,
		Predictions:         make([]Prediction, 0, hoursAhead),
		ConfidenceIntervals: make([]Interval, 0, hoursAhead),
		Model: ModelMetadata{
			TrainedAt:       snap.TrainedAt,
			Accuracy:        snap.Metrics.R2,
			MAE:             snap.Metrics.MAE,
			Version:         snap.Version,
			ConfidenceLevel: m.cfg.ConfidenceLevel,
			Fallback:        snap.Fallback,
		},
	}
	for h := 1; h <= hoursAhead; h++ {
		ts := anchor.Add(time.Duration(h) * time.Hour)
		v := snap.Estimate(ts)
		lower, upper := ConfidenceBounds(v, snap.ResidualVariance, m.cfg.ConfidenceLevel)
		f.Predictions = append(f.Predictions, Prediction{Hour: h, Timestamp: ts, Value: v})
		f.ConfidenceIntervals = append(f.ConfidenceIntervals, Interval{Hour: h, Lower: lower, Upper: upper})
	}

	m.metrics.ObservePrediction(string(p), status)
	return f, nil
}
