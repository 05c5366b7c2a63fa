// Package pagination provides page enumeration and parallel page fetching
// for count-then-page REST sources.
//
// The source reports how many records exist at-or-after a watermark; the
// enumerator splits that count into fixed-size pages whose record ranges
// cover [0, count) with no gaps and no overlaps. Page numbering depends only
// on (count, page size), so a retry of the same window produces the same
// page set.
//
// Example usage:
//
//	pages, err := pagination.Enumerate(count, 1000, since)
//	if errors.Is(err, pagination.ErrNoData) {
//		// nothing to ingest
//	}
//	fetcher := pagination.NewBatchFetcher[[]aggregate.Record](source, poolCfg, logger)
//	batch, ledger := fetcher.FetchPages(ctx, pages)
//
// The batch fetcher:
//   - Turns each descriptor into a worker pool task keyed by PageDescriptor.ID
//   - Runs the pool (bounded workers, per-page timeout)
//   - Returns successes in completion order and failures in a ledger
package pagination
