package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidRequest indicates invalid request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited indicates rate limit exceeded
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrRetrievalUnavailable indicates the vector backend could not serve the query
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	// ErrDimensionMismatch indicates a query vector that does not fit the index
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrGenerationUnavailable indicates the generation backend is failing or the breaker is open
	ErrGenerationUnavailable = errors.New("generation unavailable")
	// ErrTimeoutExceeded indicates the pipeline deadline passed
	ErrTimeoutExceeded = errors.New("timeout exceeded")
	// ErrTenantIsolation indicates a hit from a foreign tenant namespace
	ErrTenantIsolation = errors.New("cross-tenant result in namespace")
)

// DimensionMismatchError carries the expected and received vector sizes
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: index expects %d, got %d", e.Expected, e.Got)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// StageError attributes a failure to the pipeline stage that produced it
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return string(e.Stage) + ": unknown error"
	}
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err signals an integrity problem rather than an
// environmental failure. Fatal errors are alerted on and never retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDimensionMismatch) || errors.Is(err, ErrTenantIsolation)
}
