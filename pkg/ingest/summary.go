package ingest

import (
	"fmt"
	"time"

	"github.com/Sternrassler/bulk-ingest/pkg/watermark"
)

// Summary reports the outcome of one run.
type Summary struct {
	RunID string
	Mode  Mode

	// Since is the watermark the run fetched from, after any fallback.
	Since watermark.Watermark

	// Count is the record count reported by the source.
	Count int

	// Pages is the number of units submitted; Succeeded + Failed == Pages.
	Pages     int
	Succeeded int
	Failed    int

	// Records is the number of records after filtering; Rows the number
	// the store accepted.
	Records int
	Rows    int64

	// Skipped is set for an EmptyRun.
	Skipped bool

	// Next is the saved watermark, zero when it was not advanced.
	Next watermark.Watermark

	ReportPath   string
	ExportErrors []string
	Duration     time.Duration
}

// String renders the status line printed at the end of every run.
func (s *Summary) String() string {
	skipped := "-"
	if s.Skipped {
		skipped = StateEmptyRun.String()
	}
	return fmt.Sprintf("succeeded: %d, failed: %d, skipped: %s", s.Succeeded, s.Failed, skipped)
}
