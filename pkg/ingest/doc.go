// Package ingest orchestrates a count-then-page ingest run: count
// discovery, page enumeration, pooled fetch, aggregation and a single
// commit to the store, bounded by a watermark.
//
// A run without a watermark is a full load: the destination table is
// dropped, recreated and bulk-loaded in one transaction. A run with a
// watermark appends only records at-or-after it. The watermark moves only
// after a successful commit of a batch with no failed pages, so a failed
// run can be repeated and fetches the same window again.
//
// Example usage:
//
//	ctrl, err := ingest.New(source, store, marks, cfg, logger)
//	summary, err := ctrl.Run(ctx, ingest.RunOptions{})
//	fmt.Println(summary) // succeeded: 12, failed: 1, skipped: -
//
// Pages that failed are listed in the failure report at Config.ReportPath;
// Controller.Retry fetches just those pages and appends their rows.
package ingest
