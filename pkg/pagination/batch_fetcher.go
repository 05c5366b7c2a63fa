package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulk-ingest/pkg/workerpool"
)

// PageFetcher retrieves and decodes a single page.
type PageFetcher[R any] interface {
	FetchPage(ctx context.Context, page PageDescriptor) (R, error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc[R any] func(ctx context.Context, page PageDescriptor) (R, error)

// FetchPage calls f.
func (f PageFetcherFunc[R]) FetchPage(ctx context.Context, page PageDescriptor) (R, error) {
	return f(ctx, page)
}

// BatchFetcher fetches enumerated pages in parallel on a bounded pool.
type BatchFetcher[R any] struct {
	fetcher PageFetcher[R]
	pool    *workerpool.Pool[PageDescriptor, R]
	logger  zerolog.Logger
}

// NewBatchFetcher creates a batch fetcher.
func NewBatchFetcher[R any](fetcher PageFetcher[R], config workerpool.Config, logger zerolog.Logger) *BatchFetcher[R] {
	return &BatchFetcher[R]{
		fetcher: fetcher,
		pool:    workerpool.New[PageDescriptor, R]("pages", config, logger),
		logger:  logger,
	}
}

// Tasks turns descriptors into pool tasks keyed by PageDescriptor.ID.
func Tasks(pages []PageDescriptor) []workerpool.Task[PageDescriptor] {
	tasks := make([]workerpool.Task[PageDescriptor], len(pages))
	for i, p := range pages {
		tasks[i] = workerpool.Task[PageDescriptor]{ID: p.ID(), Params: p}
	}
	return tasks
}

// FetchPages fetches every page. Failed pages land in the ledger wrapped in
// workerpool.ErrUnitFetchFailed; the batch holds the rest in completion order.
func (bf *BatchFetcher[R]) FetchPages(ctx context.Context, pages []PageDescriptor) (*workerpool.Batch[R], *workerpool.Ledger) {
	start := time.Now()

	bf.logger.Info().
		Int("total_pages", len(pages)).
		Msg("Starting parallel page fetch")

	batch, ledger := bf.pool.Run(ctx, Tasks(pages), func(ctx context.Context, task workerpool.Task[PageDescriptor]) (R, error) {
		data, err := bf.fetcher.FetchPage(ctx, task.Params)
		if err != nil {
			return data, fmt.Errorf("%w: page %d: %w", workerpool.ErrUnitFetchFailed, task.Params.Number, err)
		}
		return data, nil
	})

	bf.logger.Info().
		Int("pages", batch.Len()).
		Int("failed", ledger.Len()).
		Int("total", len(pages)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return batch, ledger
}
