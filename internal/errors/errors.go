// Package errors provides the error taxonomy shared by the upstream client,
// the credential acquirer and the request pipeline.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per classification.
var (
	ErrTokenInvalid = errors.New("invalid or expired token")
	ErrNotFound     = errors.New("resource not found")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrValidation   = errors.New("invalid request")
	ErrNetwork      = errors.New("network failure")
	ErrAcquisition  = errors.New("token acquisition failed")
	ErrUnclassified = errors.New("upstream request failed")
	ErrNoToken      = errors.New("no usable token")
)

// Kind tags a failed call with its classification.
type Kind string

const (
	KindTokenInvalid Kind = "TokenInvalid"
	KindNotFound     Kind = "NotFound"
	KindRateLimited  Kind = "RateLimited"
	KindValidation   Kind = "Validation"
	KindNetwork      Kind = "NetworkFailure"
	KindAcquisition  Kind = "AcquisitionError"
	KindUnclassified Kind = "Unclassified"
)

var sentinels = map[Kind]error{
	KindTokenInvalid: ErrTokenInvalid,
	KindNotFound:     ErrNotFound,
	KindRateLimited:  ErrRateLimited,
	KindValidation:   ErrValidation,
	KindNetwork:      ErrNetwork,
	KindAcquisition:  ErrAcquisition,
	KindUnclassified: ErrUnclassified,
}

// APIError represents a classified failure from an external call.
type APIError struct {
	Kind       Kind
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s (status %d): %s: %v", e.Service, e.Kind, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s (status %d): %s", e.Service, e.Kind, e.StatusCode, e.Message)
}

// Unwrap exposes both the kind sentinel and the underlying cause, so
// errors.Is(err, ErrNotFound) and errors.Is(err, context.DeadlineExceeded)
// both work on the same value.
func (e *APIError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewAPIError creates a new classified error.
func NewAPIError(kind Kind, service string, statusCode int, message string) *APIError {
	return &APIError{Kind: kind, Service: service, StatusCode: statusCode, Message: message}
}

// Wrap classifies err under kind, keeping it as the cause.
func Wrap(kind Kind, service, message string, err error) *APIError {
	return &APIError{Kind: kind, Service: service, Message: message, Err: err}
}

// KindOf returns the classification of err. Unknown errors are Unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindUnclassified
}

// StatusCode returns the upstream HTTP status attached to err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}
