package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulk-ingest/pkg/aggregate"
)

// CollectionSource returns a whole, unpaginated collection. *rest.Source
// and *sftpsource.Client implement it. field names the array inside a JSON
// document; file sources ignore it.
type CollectionSource interface {
	FetchCollection(ctx context.Context, path, field string) ([]aggregate.Record, error)
}

// SnapshotConfig describes a full-replace load of a small reference
// collection such as the device list.
type SnapshotConfig struct {
	Path          string
	Field         string // JSON array holding the records
	Table         string
	CreateQueries []string
	Columns       []string
	Filter        aggregate.Predicate

	// Drop removes fields before commit.
	Drop []string

	// Defaults fills fields absent from a record.
	Defaults map[string]any

	Exporters []Exporter
}

// Snapshot fetches the collection in one request and replaces the table
// with it. There are no pages, so there is no failure report and no
// watermark.
func Snapshot(ctx context.Context, src CollectionSource, st Store, cfg SnapshotConfig, logger zerolog.Logger) (*Summary, error) {
	if cfg.Table == "" {
		return nil, errors.New("ingest: snapshot table is required")
	}
	start := time.Now()
	sum := &Summary{RunID: uuid.NewString(), Mode: ModeFull, Pages: 1}
	log := logger.With().
		Str("component", "snapshot").
		Str("table", cfg.Table).
		Str("run_id", sum.RunID).
		Logger()
	defer func() { sum.Duration = time.Since(start) }()

	records, err := src.FetchCollection(ctx, cfg.Path, cfg.Field)
	if err != nil {
		sum.Failed = 1
		return sum, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	sum.Succeeded = 1
	sum.Count = len(records)

	for _, rec := range records {
		for _, f := range cfg.Drop {
			delete(rec, f)
		}
		for k, v := range cfg.Defaults {
			if _, ok := rec[k]; !ok {
				rec[k] = v
			}
		}
	}

	ds := aggregate.Aggregate([][]aggregate.Record{records}, aggregate.Options{Filter: cfg.Filter})
	sum.Records = ds.Len()

	columns := cfg.Columns
	if len(columns) == 0 {
		columns = ds.Columns
	}
	sum.Rows, err = st.Replace(ctx, cfg.Table, cfg.CreateQueries, columns, ds.Rows(columns))
	if err != nil {
		runsTotal.WithLabelValues(string(ModeFull), "commit_failed").Inc()
		return sum, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	for _, exp := range cfg.Exporters {
		if err := exp.Export(ctx, ds, false); err != nil {
			sum.ExportErrors = append(sum.ExportErrors, fmt.Sprintf("%s: %v", exp.Name(), err))
			log.Warn().Err(err).Str("exporter", exp.Name()).Msg("Export failed")
		}
	}

	runsTotal.WithLabelValues(string(ModeFull), "committed").Inc()
	lastSuccess.WithLabelValues(cfg.Table).SetToCurrentTime()
	log.Info().Int("records", sum.Records).Int64("rows", sum.Rows).Msg("Snapshot replaced")
	return sum, nil
}
