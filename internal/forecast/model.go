package forecast

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/i474232898/airsense/internal/airquality"
)

// Sample is one bucket of the training series.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// Metrics describe how well a snapshot fit its holdout data.
type Metrics struct {
	MAE               float64 `json:"mae"`
	RMSE              float64 `json:"rmse"`
	R2                float64 `json:"r2"`
	TrainingSamples   int     `json:"training_samples"`
	ValidationSamples int     `json:"validation_samples"`
}

// Snapshot is an immutable trained model. Once published it is never mutated.
type Snapshot struct {
	ID               string               `json:"id"`
	Version          int                  `json:"version"`
	City             string               `json:"city"`
	Parameter        airquality.Parameter `json:"parameter"`
	TrainedAt        time.Time            `json:"trained_at"`
	Origin           time.Time            `json:"origin"`
	Coefficients     []float64            `json:"coefficients"`
	ResidualVariance float64              `json:"residual_variance"`
	Metrics          Metrics              `json:"metrics"`
	// Fallback marks a persistence model built on the fly, never persisted.
	Fallback bool `json:"fallback"`
}

const numFeatures = 4

// features are intercept, linear trend in days and a 24h harmonic.
func features(t, origin time.Time) []float64 {
	t = t.UTC()
	days := t.Sub(origin).Hours() / 24
	hour := float64(t.Hour()) + float64(t.Minute())/60
	angle := 2 * math.Pi * hour / 24
	return []float64{1, days, math.Sin(angle), math.Cos(angle)}
}

// Estimate evaluates the model at t. Concentrations are never negative.
func (s *Snapshot) Estimate(t time.Time) float64 {
	if s.Fallback {
		return math.Max(0, s.Coefficients[0])
	}
	x := features(t, s.Origin)
	var v float64
	for i, c := range s.Coefficients {
		v += c * x[i]
	}
	return math.Max(0, v)
}

const (
	// holdoutFraction is the tail share of the series kept for validation.
	holdoutFraction = 0.2
	// minTargetVariance is the floor below which a series carries no signal to fit.
	minTargetVariance = 1e-12
)

// Fit trains a trend-plus-daily-cycle least-squares model. The tail of the
// series is held out for metrics; the published coefficients use every sample.
func Fit(samples []Sample, minSamples int) (*Snapshot, error) {
	if len(samples) < minSamples || len(samples) <= numFeatures+1 {
		return nil, fmt.Errorf("%w: %d samples, need %d", ErrInsufficientHistory, len(samples), minSamples)
	}
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	for _, s := range sorted {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			return nil, fmt.Errorf("non-finite value at %s", s.Timestamp.Format(time.RFC3339))
		}
	}

	values := make([]float64, len(sorted))
	for i, s := range sorted {
		values[i] = s.Value
	}
	if v := stat.Variance(values, nil); v <= minTargetVariance {
		return nil, fmt.Errorf("%w: variance %g", ErrDegenerateSeries, v)
	}

	origin := sorted[0].Timestamp.UTC()
	nTrain := int(float64(len(sorted)) * (1 - holdoutFraction))
	if nTrain <= numFeatures {
		nTrain = numFeatures + 1
	}
	train, holdout := sorted[:nTrain], sorted[nTrain:]

	trainCoef, err := solve(train, origin)
	if err != nil {
		return nil, err
	}

	m := Metrics{TrainingSamples: len(train), ValidationSamples: len(holdout)}
	if len(holdout) > 0 {
		est := make([]float64, len(holdout))
		obs := make([]float64, len(holdout))
		var absSum, sqSum float64
		for i, s := range holdout {
			est[i] = dot(trainCoef, features(s.Timestamp, origin))
			obs[i] = s.Value
			d := est[i] - obs[i]
			absSum += math.Abs(d)
			sqSum += d * d
		}
		m.MAE = absSum / float64(len(holdout))
		m.RMSE = math.Sqrt(sqSum / float64(len(holdout)))
		m.R2 = stat.RSquaredFrom(est, obs, nil)
		if math.IsNaN(m.R2) || math.IsInf(m.R2, 0) {
			m.R2 = 0
		}
	}

	coef, err := solve(sorted, origin)
	if err != nil {
		return nil, err
	}

	var sse float64
	for _, s := range sorted {
		d := s.Value - dot(coef, features(s.Timestamp, origin))
		sse += d * d
	}

	return &Snapshot{
		Origin:           origin,
		Coefficients:     coef,
		ResidualVariance: sse / float64(len(sorted)-numFeatures),
		Metrics:          m,
	}, nil
}

func solve(samples []Sample, origin time.Time) ([]float64, error) {
	x := mat.NewDense(len(samples), numFeatures, nil)
	y := mat.NewVecDense(len(samples), nil)
	for i, s := range samples {
		x.SetRow(i, features(s.Timestamp, origin))
		y.SetVec(i, s.Value)
	}

	var beta mat.VecDense
	if err := beta.SolveVec(x, y); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return nil, fmt.Errorf("design matrix is ill-conditioned (%g)", float64(cond))
		}
		return nil, fmt.Errorf("least squares: %w", err)
	}

	coef := make([]float64, numFeatures)
	for i := range coef {
		coef[i] = beta.AtVec(i)
	}
	return coef, nil
}

func dot(coef, x []float64) float64 {
	var v float64
	for i := range coef {
		v += coef[i] * x[i]
	}
	return v
}

// persistenceWindow is how many recent buckets the fallback model averages.
const persistenceWindow = 24

// Persistence builds the fallback model: the mean of the most recent buckets
// with their variance as uncertainty.
func Persistence(samples []Sample) *Snapshot {
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	if len(sorted) > persistenceWindow {
		sorted = sorted[len(sorted)-persistenceWindow:]
	}

	values := make([]float64, len(sorted))
	for i, s := range sorted {
		values[i] = s.Value
	}
	mean, variance := values[0], 0.0
	if len(values) > 1 {
		mean, variance = stat.MeanVariance(values, nil)
	}

	return &Snapshot{
		Origin:           sorted[len(sorted)-1].Timestamp,
		Coefficients:     []float64{mean},
		ResidualVariance: variance,
		Fallback:         true,
	}
}

// DefaultConfidenceLevel is the two-sided coverage of published bounds.
const DefaultConfidenceLevel = 0.80

// ConfidenceBounds is the single interval policy used for every prediction:
// value ± z·σ with z the two-sided normal quantile for level. The lower bound
// is clamped at zero because concentrations cannot be negative.
func ConfidenceBounds(value, residualVariance, level float64) (lower, upper float64) {
	if level <= 0 || level >= 1 {
		level = DefaultConfidenceLevel
	}
	if residualVariance < 0 || math.IsNaN(residualVariance) {
		residualVariance = 0
	}
	z := distuv.UnitNormal.Quantile(0.5 + level/2)
	half := z * math.Sqrt(residualVariance)
	value = math.Max(0, value)
	return math.Max(0, value-half), value + half
}
