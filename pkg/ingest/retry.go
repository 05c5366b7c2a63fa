package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Sternrassler/bulk-ingest/pkg/pagination"
	"github.com/Sternrassler/bulk-ingest/pkg/workerpool"
)

// Retry refetches the pages listed in report and appends their rows. The
// report at Config.ReportPath is rewritten with whatever still fails, so
// Retry can be repeated until it is empty. Unit IDs that do not parse as
// pages are carried over as failures. The watermark is not touched.
func (c *Controller) Retry(ctx context.Context, report *workerpool.Report) (*Summary, error) {
	if !c.running.CompareAndSwap(false, true) {
		return &Summary{}, ErrRunInProgress
	}
	defer c.running.Store(false)

	start := c.now()
	sum := &Summary{RunID: uuid.NewString(), Mode: ModeIncremental}
	defer func() { sum.Duration = time.Since(start) }()
	log := c.logger.With().Str("run_id", sum.RunID).Str("mode", "retry").Logger()

	invalid := workerpool.NewLedger()
	var pages []pagination.PageDescriptor
	for _, unit := range report.Units {
		p, err := pagination.ParseID(unit)
		if err != nil {
			invalid.Record(unit, err)
			continue
		}
		pages = append(pages, p)
	}
	log.Info().
		Int("pages", len(pages)).
		Int("invalid", invalid.Len()).
		Str("report_created", report.CreatedTime).
		Msg("Retrying failed pages")

	if _, err := c.fetchAndCommit(ctx, pages, invalid, sum, log); err != nil {
		c.finish(sum, "commit_failed")
		return sum, err
	}
	c.finish(sum, "committed")
	log.Info().Str("summary", sum.String()).Msg("Retry complete")
	return sum, nil
}
