package airquality

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCity is returned when a request names a city that is not registered.
	ErrUnknownCity = errors.New("unknown city")
	// ErrInvalidCity is returned when a city definition fails validation.
	ErrInvalidCity = errors.New("invalid city")
	// ErrInvalidArgument covers malformed ingestion or read requests.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSourceUnavailable matches every *SourceError.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrValidationRejected matches every Rejection.
	ErrValidationRejected = errors.New("record rejected")
)

// ErrorClass tells the caller whether a source failure is worth retrying.
type ErrorClass string

const (
	ClassTransient   ErrorClass = "transient"
	ClassPermanent   ErrorClass = "permanent"
	ClassAuth        ErrorClass = "auth_failure"
	ClassRateLimited ErrorClass = "rate_limited"
)

// SourceError is the only error a Source returns.
type SourceError struct {
	Source string
	Class  ErrorClass
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Class, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func (e *SourceError) Is(target error) bool {
	return target == ErrSourceUnavailable
}

// Retryable reports whether another attempt may succeed.
func (e *SourceError) Retryable() bool {
	return e.Class == ClassTransient || e.Class == ClassRateLimited
}

// NewSourceError wraps err unless it already is a *SourceError.
func NewSourceError(source string, class ErrorClass, err error) *SourceError {
	var se *SourceError
	if errors.As(err, &se) {
		return se
	}
	return &SourceError{Source: source, Class: class, Err: err}
}

// RejectReason names why the normalizer dropped a record.
type RejectReason string

const (
	ReasonUnknownCity      RejectReason = "unknown_city"
	ReasonMissingLocation  RejectReason = "missing_location"
	ReasonMissingTimestamp RejectReason = "missing_timestamp"
	ReasonFutureTimestamp  RejectReason = "future_timestamp"
	ReasonStaleTimestamp   RejectReason = "stale_timestamp"
	ReasonMissingParameter RejectReason = "missing_parameter"
	ReasonUnknownParameter RejectReason = "unknown_parameter"
	ReasonMissingValue     RejectReason = "missing_value"
	ReasonNegativeValue    RejectReason = "negative_value"
	ReasonExceedsCeiling   RejectReason = "exceeds_ceiling"
	ReasonUnsupportedUnit  RejectReason = "unsupported_unit"
	ReasonWeatherRange     RejectReason = "weather_out_of_range"
)

// Rejection records one dropped record.
type Rejection struct {
	Source string       `json:"source"`
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

func (r Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s: %s", r.Source, r.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", r.Source, r.Reason, r.Detail)
}

func (r Rejection) Unwrap() error {
	return ErrValidationRejected
}
