// Package export writes committed datasets to object storage as CSV or
// Parquet, next to the relational store.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulk-ingest/pkg/aggregate"
	"github.com/Sternrassler/bulk-ingest/pkg/objstore"
	"github.com/Sternrassler/bulk-ingest/pkg/store"
)

// CSV writes a dataset to a single CSV object. A full run replaces the
// object; an incremental run appends rows under the existing header.
type CSV struct {
	store   objstore.Store
	key     string
	columns []string
	logger  zerolog.Logger
}

// NewCSV creates a CSV exporter writing key. Empty columns exports every
// dataset column.
func NewCSV(st objstore.Store, key string, columns []string, logger zerolog.Logger) *CSV {
	return &CSV{
		store:   st,
		key:     key,
		columns: columns,
		logger:  logger.With().Str("exporter", "csv").Str("key", key).Logger(),
	}
}

// Name identifies the exporter in run summaries.
func (e *CSV) Name() string { return "csv:" + e.key }

// Export writes ds.
func (e *CSV) Export(ctx context.Context, ds *aggregate.Dataset, incremental bool) error {
	if incremental && ds.Len() == 0 {
		return nil
	}

	var buf bytes.Buffer
	columns := e.columns
	if len(columns) == 0 {
		columns = ds.Columns
	}
	writeHeader := true

	if incremental {
		existing, err := e.store.Get(ctx, e.key)
		switch {
		case errors.Is(err, objstore.ErrNotFound):
		case err != nil:
			return fmt.Errorf("export %s: %w", e.key, err)
		default:
			header, err := csv.NewReader(bytes.NewReader(existing)).Read()
			if err != nil {
				return fmt.Errorf("export %s: read header: %w", e.key, err)
			}
			columns = header
			writeHeader = false
			buf.Write(existing)
			if n := len(existing); n > 0 && existing[n-1] != '\n' {
				buf.WriteByte('\n')
			}
		}
	}

	w := csv.NewWriter(&buf)
	if writeHeader {
		if err := w.Write(columns); err != nil {
			return err
		}
	}
	record := make([]string, len(columns))
	for i, row := range ds.Rows(columns) {
		for j, v := range row {
			s, err := cell(v)
			if err != nil {
				return fmt.Errorf("export %s: row %d: %w", e.key, i, err)
			}
			record[j] = s
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	if err := e.store.Put(ctx, e.key, buf.Bytes()); err != nil {
		return fmt.Errorf("export %s: %w", e.key, err)
	}
	e.logger.Info().Int("rows", ds.Len()).Bool("incremental", incremental).Msg("Dataset exported")
	return nil
}

// cell renders v for CSV; missing values are empty.
func cell(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return store.FormatValue(v)
}
