package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrBackendUnreachable = errors.New("alert backend unreachable")
	ErrFeatureDisabled    = errors.New("alert feature is currently disabled")
	ErrInvalidDetection   = errors.New("invalid detection")
)

// UnreachableError means the backend gave no usable answer: the endpoint is
// not implemented (404) or no response arrived at all. Callers fall back to
// local-only behaviour on it.
type UnreachableError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UnreachableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: backend returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: no response from backend: %v", e.Op, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

func (e *UnreachableError) Is(target error) bool { return target == ErrBackendUnreachable }

// HTTPError is any non-2xx answer other than 404. It always propagates.
type HTTPError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server error: %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server error: %d %s", e.Op, e.StatusCode, e.Message)
}

func (e *HTTPError) IsValidation() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
}

func (e *HTTPError) IsServer() bool {
	return e.StatusCode >= 500
}

func IsUnreachable(err error) bool {
	return errors.Is(err, ErrBackendUnreachable)
}
