package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulk-ingest/pkg/aggregate"
	"github.com/Sternrassler/bulk-ingest/pkg/pagination"
	"github.com/Sternrassler/bulk-ingest/pkg/watermark"
	"github.com/Sternrassler/bulk-ingest/pkg/workerpool"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_runs_total",
		Help: "Total ingest runs by mode and outcome",
	}, []string{"mode", "outcome"})

	lastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_last_success_timestamp_seconds",
		Help: "Unix time of the last committed run by table",
	}, []string{"table"})
)

// Source counts and pages records. *rest.Source implements it.
type Source interface {
	Count(ctx context.Context, since watermark.Watermark) (int, error)
	FetchPage(ctx context.Context, page pagination.PageDescriptor) ([]aggregate.Record, error)
	PageSize() int
}

// Store commits an aggregated dataset. *store.Postgres implements it.
type Store interface {
	Replace(ctx context.Context, table string, createQueries, columns []string, rows [][]any) (int64, error)
	Append(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

// Exporter writes the committed dataset somewhere besides the store.
type Exporter interface {
	Name() string
	Export(ctx context.Context, ds *aggregate.Dataset, incremental bool) error
}

// Config describes one ingest destination.
type Config struct {
	// Table is the destination table.
	Table string

	// CreateQueries run before a full load, in the same transaction
	// (e.g. DROP TABLE IF EXISTS + CREATE TABLE).
	CreateQueries []string

	// Columns selects and orders the committed fields. Empty commits every
	// column in the dataset.
	Columns []string

	Filter  aggregate.Predicate
	SortKey string

	// WatermarkKey names the checkpoint in the watermark store. Empty
	// disables loading and saving.
	WatermarkKey string

	// WatermarkField is the record field whose maximum advances the
	// watermark.
	WatermarkField string

	// Fallback is tried once when discovery at the run's watermark fails
	// or reports zero records. Zero disables it.
	Fallback watermark.Watermark

	Pool workerpool.Config

	// ReportPath is where the failure report is written.
	ReportPath string

	Exporters []Exporter
}

// DefaultConfig returns defaults for table.
func DefaultConfig(table string) Config {
	return Config{
		Table:          table,
		WatermarkKey:   table,
		WatermarkField: "record_time",
		Pool:           workerpool.DefaultConfig(),
		ReportPath:     "failed_request.json",
	}
}

// RunOptions are per-run inputs.
type RunOptions struct {
	// Since overrides the stored watermark when set.
	Since watermark.Watermark

	// Full ignores the stored watermark. The table is replaced and the new
	// watermark saved as after any full run.
	Full bool
}

// Controller runs ingests for one destination. Runs on the same controller
// are serialised; concurrent calls fail with ErrRunInProgress.
type Controller struct {
	source Source
	store  Store
	marks  watermark.Store
	config Config
	logger zerolog.Logger

	fetcher *pagination.BatchFetcher[[]aggregate.Record]
	state   atomic.Int32
	running atomic.Bool
	now     func() time.Time
}

// New creates a controller. marks may be nil when watermarks are supplied
// per run.
func New(source Source, st Store, marks watermark.Store, cfg Config, logger zerolog.Logger) (*Controller, error) {
	if source == nil || st == nil {
		return nil, errors.New("ingest: source and store are required")
	}
	if cfg.Table == "" {
		return nil, errors.New("ingest: table is required")
	}
	if cfg.WatermarkField == "" {
		cfg.WatermarkField = "record_time"
	}
	if cfg.ReportPath == "" {
		cfg.ReportPath = "failed_request.json"
	}

	logger = logger.With().Str("component", "ingest").Str("table", cfg.Table).Logger()
	return &Controller{
		source:  source,
		store:   st,
		marks:   marks,
		config:  cfg,
		logger:  logger,
		fetcher: pagination.NewBatchFetcher[[]aggregate.Record](source, cfg.Pool, logger),
		now:     time.Now,
	}, nil
}

// State returns the current run state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.logger.Debug().Str("state", s.String()).Msg("State changed")
}

// Run executes one ingest. The returned summary is non-nil even on error.
// Only discovery (ErrSourceUnavailable) and commit (ErrCommitFailed)
// failures return an error; failed pages are reported in the summary and
// the failure report.
func (c *Controller) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	if !c.running.CompareAndSwap(false, true) {
		return &Summary{}, ErrRunInProgress
	}
	defer c.running.Store(false)

	start := c.now()
	sum := &Summary{RunID: uuid.NewString()}
	defer func() { sum.Duration = time.Since(start) }()

	since, err := c.startWatermark(ctx, opts)
	if err != nil {
		c.setState(StateIdle)
		return sum, err
	}
	sum.Mode = ModeIncremental
	if since.IsZero() {
		sum.Mode = ModeFull
	}
	log := c.logger.With().Str("run_id", sum.RunID).Str("mode", string(sum.Mode)).Logger()
	log.Info().Str("watermark", since.String()).Msg("Starting ingest run")

	c.setState(StateCountDiscovery)
	count, since, err := c.discover(ctx, since, log)
	sum.Since = since
	if err != nil {
		c.finish(sum, "source_unavailable")
		log.Error().Err(err).Msg("Count discovery failed")
		return sum, err
	}
	sum.Count = count

	c.setState(StateEnumerating)
	pages, err := pagination.Enumerate(count, c.source.PageSize(), since)
	if errors.Is(err, pagination.ErrNoData) {
		sum.Skipped = true
		runsTotal.WithLabelValues(string(sum.Mode), "empty").Inc()
		c.setState(StateEmptyRun)
		log.Info().Str("watermark", since.String()).Msg("No records available, destination is up to date")
		return sum, nil
	}
	if err != nil {
		c.finish(sum, "source_unavailable")
		return sum, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	ds, err := c.fetchAndCommit(ctx, pages, nil, sum, log)
	if err != nil {
		c.finish(sum, "commit_failed")
		return sum, err
	}
	if sum.Failed > 0 {
		log.Warn().
			Int("failed", sum.Failed).
			Str("report", sum.ReportPath).
			Msg("Watermark not advanced, failed pages can be retried from the report")
	} else if err := c.advance(ctx, since, ds, sum, log); err != nil {
		c.finish(sum, "watermark_failed")
		return sum, err
	}

	c.finish(sum, "committed")
	log.Info().
		Int("count", sum.Count).
		Int("records", sum.Records).
		Str("next_watermark", sum.Next.String()).
		Str("summary", sum.String()).
		Msg("Ingest run complete")
	return sum, nil
}

func (c *Controller) finish(sum *Summary, outcome string) {
	runsTotal.WithLabelValues(string(sum.Mode), outcome).Inc()
	if outcome == "committed" {
		lastSuccess.WithLabelValues(c.config.Table).SetToCurrentTime()
	}
	c.setState(StateIdle)
}

func (c *Controller) startWatermark(ctx context.Context, opts RunOptions) (watermark.Watermark, error) {
	if opts.Full {
		return watermark.Watermark{}, nil
	}
	if !opts.Since.IsZero() || c.marks == nil || c.config.WatermarkKey == "" {
		return opts.Since, nil
	}
	wm, _, err := c.marks.Load(ctx, c.config.WatermarkKey)
	if err != nil {
		return watermark.Watermark{}, fmt.Errorf("load watermark: %w", err)
	}
	return wm, nil
}

// discover counts records at since, falling back once to Config.Fallback
// when the count is zero or the request fails.
func (c *Controller) discover(ctx context.Context, since watermark.Watermark, log zerolog.Logger) (int, watermark.Watermark, error) {
	count, err := c.source.Count(ctx, since)

	fallback := c.config.Fallback
	if (err != nil || count == 0) && !fallback.IsZero() && !fallback.Equal(since) {
		ev := log.Info().
			Str("watermark", since.String()).
			Str("fallback", fallback.String())
		if err != nil {
			ev = ev.AnErr("discovery_error", err)
		}
		ev.Msg("Substituting fallback watermark")

		since = fallback
		count, err = c.source.Count(ctx, since)
	}
	if err != nil {
		return 0, since, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	return count, since, nil
}

// fetchAndCommit runs the Fetching, Aggregating and Committing states and
// returns the committed dataset, nil when nothing was committed. Failures
// in carried are added to the report as if their units had been run.
func (c *Controller) fetchAndCommit(ctx context.Context, pages []pagination.PageDescriptor, carried *workerpool.Ledger, sum *Summary, log zerolog.Logger) (*aggregate.Dataset, error) {
	c.setState(StateFetching)
	batch, ledger := c.fetcher.FetchPages(ctx, pages)
	ledger.Merge(carried)
	sum.Pages = batch.Len() + ledger.Len()
	sum.Succeeded = batch.Len()
	sum.Failed = ledger.Len()

	sum.ReportPath = c.config.ReportPath
	if err := workerpool.WriteReport(c.config.ReportPath, ledger, c.now()); err != nil {
		log.Error().Err(err).Str("report", c.config.ReportPath).Msg("Failed to write failure report")
	}

	if batch.Len() == 0 {
		if ledger.Len() > 0 {
			log.Warn().Int("failed", ledger.Len()).Msg("Every page failed, nothing to commit")
		}
		return nil, nil
	}

	c.setState(StateAggregating)
	ds := aggregate.Aggregate(batch.Values(), aggregate.Options{
		Filter:  c.config.Filter,
		SortKey: c.config.SortKey,
	})
	sum.Records = ds.Len()

	c.setState(StateCommitting)
	columns := c.config.Columns
	if len(columns) == 0 {
		columns = ds.Columns
	}
	rows := ds.Rows(columns)

	var err error
	if sum.Mode == ModeFull {
		sum.Rows, err = c.store.Replace(ctx, c.config.Table, c.config.CreateQueries, columns, rows)
	} else {
		sum.Rows, err = c.store.Append(ctx, c.config.Table, columns, rows)
	}
	if err != nil {
		log.Error().Err(err).Msg("Commit failed, watermark unchanged")
		return nil, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	c.export(ctx, ds, sum, log)
	return ds, nil
}

func (c *Controller) export(ctx context.Context, ds *aggregate.Dataset, sum *Summary, log zerolog.Logger) {
	for _, exp := range c.config.Exporters {
		if err := exp.Export(ctx, ds, sum.Mode == ModeIncremental); err != nil {
			sum.ExportErrors = append(sum.ExportErrors, fmt.Sprintf("%s: %v", exp.Name(), err))
			log.Warn().Err(err).Str("exporter", exp.Name()).Msg("Export failed")
		}
	}
}

// advance saves max(WatermarkField) + 1ms when it is after since.
func (c *Controller) advance(ctx context.Context, since watermark.Watermark, ds *aggregate.Dataset, sum *Summary, log zerolog.Logger) error {
	if c.marks == nil || c.config.WatermarkKey == "" {
		return nil
	}
	next, ok := NextWatermark(ds, c.config.WatermarkField)
	if !ok || !next.After(since) {
		log.Debug().Str("watermark", since.String()).Msg("Watermark unchanged")
		return nil
	}
	if err := c.marks.Save(ctx, c.config.WatermarkKey, next); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	sum.Next = next
	return nil
}

// NextWatermark returns the watermark just after the latest value of field
// in ds. Values may be watermark strings or time.Time; they are compared as
// instants, so precision and offset do not matter. Values that do not parse
// are skipped.
func NextWatermark(ds *aggregate.Dataset, field string) (watermark.Watermark, bool) {
	if ds == nil {
		return watermark.Watermark{}, false
	}

	var latest watermark.Watermark
	for _, rec := range ds.Records {
		var wm watermark.Watermark
		switch x := rec[field].(type) {
		case string:
			parsed, err := watermark.Parse(x)
			if err != nil {
				continue
			}
			wm = parsed
		case time.Time:
			wm = watermark.New(x)
		}
		if !wm.IsZero() && (latest.IsZero() || wm.After(latest)) {
			latest = wm
		}
	}
	if latest.IsZero() {
		return watermark.Watermark{}, false
	}
	return latest.Next(), true
}
