package workerpool

import "errors"

// Unit-level error kinds. They are recorded in the ledger and never
// propagate to the batch.
var (
	// ErrUnitFetchFailed marks a unit whose network or archive retrieval failed.
	ErrUnitFetchFailed = errors.New("unit fetch failed")

	// ErrUnitTransformFailed marks a unit whose post-processing failed after
	// a successful fetch.
	ErrUnitTransformFailed = errors.New("unit transform failed")

	// ErrPanic wraps a panic recovered from a worker function.
	ErrPanic = errors.New("unit panicked")

	// ErrCancelled marks a unit that never started because the run's
	// context ended first.
	ErrCancelled = errors.New("unit not started: run cancelled")

	errUnknown = errors.New("unknown error")
)
