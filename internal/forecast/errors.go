package forecast

import "errors"

var (
	// ErrInsufficientHistory means there are fewer buckets than the model needs.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrNoModelAvailable means no model is ready and fallback is disabled.
	ErrNoModelAvailable = errors.New("no model available")
	// ErrTrainingFailed wraps fit and persistence failures. The previous model stays active.
	ErrTrainingFailed = errors.New("training failed")
	// ErrDegenerateSeries means the training target is constant, so no interval can be estimated.
	ErrDegenerateSeries = errors.New("degenerate target variance")
	// ErrTrainingInProgress is returned when the same (city, parameter) is already training.
	ErrTrainingInProgress = errors.New("training already in progress")
	// ErrInvalidHorizon is returned for hours-ahead outside [1, MaxHorizon].
	ErrInvalidHorizon = errors.New("invalid forecast horizon")
	// ErrVersionNotFound is returned when rolling back to a version that was never saved.
	ErrVersionNotFound = errors.New("model version not found")
)
