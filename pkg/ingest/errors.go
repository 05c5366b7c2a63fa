package ingest

import "errors"

var (
	// ErrSourceUnavailable is returned when count discovery fails, including
	// the fallback attempt.
	ErrSourceUnavailable = errors.New("ingest: source unavailable")

	// ErrCommitFailed is returned when the store write fails. The watermark
	// is left unchanged.
	ErrCommitFailed = errors.New("ingest: commit failed")

	// ErrRunInProgress is returned when Run or Retry is called while another
	// run on the same controller is active.
	ErrRunInProgress = errors.New("ingest: run in progress")
)
