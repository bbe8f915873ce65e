// Package apperrors defines the failure taxonomy shared by every pipeline stage.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by the pipeline stage that raised it
type Kind string

const (
	// Load stage
	UnsupportedFormat Kind = "unsupported_format"
	EncodingError     Kind = "encoding_error"
	MalformedData     Kind = "malformed_data"

	// Preprocessing stage
	MissingTemporalColumns Kind = "missing_temporal_columns"
	TargetNotNumeric       Kind = "target_not_numeric"

	// Forecast stage
	ModelFitError           Kind = "model_fit_error"
	UndefinedAccuracyMetric Kind = "undefined_accuracy_metric"

	// External collaborators
	UpstreamAPIError Kind = "upstream_api_error"

	InvalidConfig Kind = "invalid_config"
	NotFound      Kind = "not_found"
	Unauthorized  Kind = "unauthorized"
	RateLimited   Kind = "rate_limited"
	Internal      Kind = "internal"
)

// Error is a classified failure with the operation that produced it
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a formatted message
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil err yields nil.
func Wrap(kind Kind, op string, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain,
// or Internal when the chain carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Message returns the operator-facing message without the cause chain
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return err.Error()
}

// HTTPStatus maps a kind to the response status used by the API
func HTTPStatus(kind Kind) int {
	switch kind {
	case UnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case EncodingError, MalformedData, InvalidConfig:
		return http.StatusBadRequest
	case MissingTemporalColumns, TargetNotNumeric, ModelFitError, UndefinedAccuracyMetric:
		return http.StatusUnprocessableEntity
	case UpstreamAPIError:
		return http.StatusBadGateway
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
