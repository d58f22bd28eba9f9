package buffer

import "errors"

// Failure modes from spec.md §4.1. None are fatal; all are recoverable by the
// caller.
var (
	ErrInvalidFormat        = errors.New("buffer: image format does not match buffer format")
	ErrTimestampRegression  = errors.New("buffer: unfiltered timestamp does not advance past the last accepted one")
	ErrCapacityZero         = errors.New("buffer: capacity must be positive")
	ErrNotFound             = errors.New("buffer: no matching item")
	ErrNotAvailableYet      = errors.New("buffer: requested time is after the latest item")
	ErrNotAvailableAnymore  = errors.New("buffer: requested time is before the oldest item")
	ErrGapTooLarge          = errors.New("buffer: interpolation gap exceeds MaxAllowedTimeDifference")
)
