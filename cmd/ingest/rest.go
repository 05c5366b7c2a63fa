package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Sternrassler/bulk-ingest/internal/config"
	"github.com/Sternrassler/bulk-ingest/pkg/aggregate"
	"github.com/Sternrassler/bulk-ingest/pkg/cache"
	"github.com/Sternrassler/bulk-ingest/pkg/catalog"
	"github.com/Sternrassler/bulk-ingest/pkg/export"
	"github.com/Sternrassler/bulk-ingest/pkg/ingest"
	"github.com/Sternrassler/bulk-ingest/pkg/objstore"
	"github.com/Sternrassler/bulk-ingest/pkg/store"
	"github.com/Sternrassler/bulk-ingest/pkg/watermark"
	"github.com/Sternrassler/bulk-ingest/pkg/workerpool"
)

// runRest ingests the REST source, incrementally from the stored watermark
// when there is one.
func runRest(args []string, out io.Writer) int {
	fs, path := newFlagSet("rest", "Ingest the paginated REST source into the store.")
	since := fs.String("since", "", "Fetch records after this watermark instead of the stored one")
	full := fs.Bool("full", false, "Ignore the stored watermark and reload the table")

	ctx, cancel := signalContext()
	defer cancel()

	a, code := setup(ctx, fs, path, args)
	if a == nil {
		return code
	}
	defer a.Close()

	opts := ingest.RunOptions{Full: *full}
	if *since != "" {
		wm, err := watermark.Parse(*since)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -since: %v\n", err)
			return ExitInvalidArgs
		}
		opts.Since = wm
	}

	if *full && a.cacheEnabled() {
		n, err := cache.NewManager(a.redis).Invalidate(ctx, a.cfg.Rest.BaseURL)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Cannot drop cached pages")
		} else {
			a.logger.Info().Int("pages", n).Msg("Dropped cached pages before full reload")
		}
	}

	ctrl, closeStore, err := a.controller(ctx, true)
	if err != nil {
		a.logger.Error().Err(err).Msg("Setup failed")
		return ExitGeneralError
	}
	defer closeStore()

	sum, err := ctrl.Run(ctx, opts)
	return report(out, sum, err)
}

// runRetry refetches the pages of a failure report.
func runRetry(args []string, out io.Writer) int {
	fs, path := newFlagSet("retry", "Refetch the pages listed in the failure report and append them.")
	reportPath := fs.String("report", "", "Failure report to retry (default rest.report_path)")

	ctx, cancel := signalContext()
	defer cancel()

	a, code := setup(ctx, fs, path, args)
	if a == nil {
		return code
	}
	defer a.Close()

	if *reportPath == "" {
		*reportPath = a.cfg.Rest.ReportPath
	}
	rep, err := workerpool.LoadReport(*reportPath)
	if err != nil {
		a.logger.Error().Err(err).Str("path", *reportPath).Msg("Cannot read failure report")
		return ExitInvalidArgs
	}
	if rep.Len() == 0 {
		fmt.Fprintln(out, "Nothing to retry")
		return ExitSuccess
	}

	ctrl, closeStore, err := a.controller(ctx, false)
	if err != nil {
		a.logger.Error().Err(err).Msg("Setup failed")
		return ExitGeneralError
	}
	defer closeStore()

	sum, err := ctrl.Retry(ctx, rep)
	return report(out, sum, err)
}

// runDevices replaces the device table with the current device list.
func runDevices(args []string, out io.Writer) int {
	fs, path := newFlagSet("devices", "Replace the device table with the current device list.")

	ctx, cancel := signalContext()
	defer cancel()

	a, code := setup(ctx, fs, path, args)
	if a == nil {
		return code
	}
	defer a.Close()

	src, err := a.restSource()
	if err != nil {
		a.logger.Error().Err(err).Msg("Setup failed")
		return ExitGeneralError
	}
	pg, err := a.openStore(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Setup failed")
		return ExitStorageError
	}
	defer pg.Close()

	dev := a.cfg.Rest.Devices
	sc, err := a.snapshotConfig(ctx, dev.Path, dev.Field, dev.SnapshotTable)
	if err != nil {
		a.logger.Error().Err(err).Msg("Setup failed")
		return ExitGeneralError
	}
	sum, err := ingest.Snapshot(ctx, src, pg, sc, a.logger)
	return report(out, sum, err)
}

// snapshotConfig resolves a snapshot table section. Exports need an object
// store; without one they are skipped with a warning.
func (a *app) snapshotConfig(ctx context.Context, path, field string, t config.SnapshotTable) (ingest.SnapshotConfig, error) {
	filter, err := aggregate.Build(t.Filter)
	if err != nil {
		return ingest.SnapshotConfig{}, fmt.Errorf("%s filter: %w", t.Table, err)
	}
	sc := ingest.SnapshotConfig{
		Path:          path,
		Field:         field,
		Table:         t.Table,
		CreateQueries: t.CreateQueries,
		Columns:       t.Columns,
		Filter:        filter,
		Drop:          t.Drop,
		Defaults:      t.Defaults,
	}
	if !t.Exports() {
		return sc, nil
	}

	st, err := a.objectStore(ctx)
	if err != nil {
		return ingest.SnapshotConfig{}, fmt.Errorf("object store: %w", err)
	}
	if st == nil {
		a.logger.Warn().Str("table", t.Table).Msg("No object store configured, snapshot export skipped")
		return sc, nil
	}
	if t.CSVKey != "" {
		sc.Exporters = append(sc.Exporters, export.NewCSV(st, t.CSVKey, t.Columns, a.logger))
	}
	if t.ParquetPrefix != "" {
		sc.Exporters = append(sc.Exporters, export.NewParquet(st, t.ParquetPrefix, nil, a.logger))
	}
	return sc, nil
}

// runQuery runs the positional SQL statements and prints their results.
func runQuery(args []string, out io.Writer) int {
	fs, path := newFlagSet("query", "Run SQL statements against the store. Statements containing\n\"select\" print their rows; others print the rows affected.")

	ctx, cancel := signalContext()
	defer cancel()

	a, code := setup(ctx, fs, path, args)
	if a == nil {
		return code
	}
	defer a.Close()

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one statement is required")
		return ExitInvalidArgs
	}

	pg, err := a.openStore(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Setup failed")
		return ExitStorageError
	}
	defer pg.Close()

	results, err := pg.Execute(ctx, fs.Args()...)
	for _, r := range results {
		if !r.Select {
			fmt.Fprintf(out, "%s: ok, %d rows affected\n", r.Query, r.RowsAffected)
			continue
		}
		for _, row := range r.Rows {
			for i, v := range row {
				if i > 0 {
					fmt.Fprint(out, "\t")
				}
				s, err := store.FormatValue(v)
				if err != nil {
					s = fmt.Sprint(v)
				}
				fmt.Fprint(out, s)
			}
			fmt.Fprintln(out)
		}
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("Query failed")
		return ExitStorageError
	}
	return ExitSuccess
}

// controller wires the REST source, the store, the watermark store and the
// exporters into an ingest controller. Without Redis, or when stored is
// false, watermarks are kept in memory only. The returned func closes the
// store.
func (a *app) controller(ctx context.Context, stored bool) (*ingest.Controller, func(), error) {
	rc := a.cfg.Rest

	src, err := a.restSource()
	if err != nil {
		return nil, nil, err
	}
	filter, err := aggregate.Build(rc.Filter)
	if err != nil {
		return nil, nil, err
	}

	cfg := ingest.DefaultConfig(rc.Table)
	cfg.CreateQueries = rc.CreateQueries
	cfg.Columns = rc.Columns
	cfg.Filter = filter
	cfg.SortKey = rc.SortKey
	cfg.WatermarkField = rc.WatermarkField
	cfg.ReportPath = rc.ReportPath
	cfg.Pool = a.cfg.Pool.Workerpool()
	if rc.Fallback != "" {
		if cfg.Fallback, err = watermark.Parse(rc.Fallback); err != nil {
			return nil, nil, fmt.Errorf("rest.fallback: %w", err)
		}
	}

	var marks watermark.Store = watermark.NewMemoryStore()
	switch {
	case !stored:
	case a.redis != nil:
		marks = watermark.NewRedisStore(a.redis, a.logger)
	default:
		a.logger.Warn().Msg("No Redis configured, the watermark is not persisted between runs")
	}

	st, err := a.objectStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("object store: %w", err)
	}
	if st != nil {
		if cfg.Exporters, err = a.exporters(st); err != nil {
			return nil, nil, err
		}
	}

	pg, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := ingest.New(src, pg, marks, cfg, a.logger)
	if err != nil {
		pg.Close()
		return nil, nil, err
	}
	return ctrl, pg.Close, nil
}

// exporters returns the configured dataset exporters. Parquet column types
// come from the catalog schema when metadata files are configured.
func (a *app) exporters(st objstore.Store) ([]ingest.Exporter, error) {
	var out []ingest.Exporter
	if key := a.cfg.Export.CSVKey; key != "" {
		out = append(out, export.NewCSV(st, key, a.cfg.Rest.Columns, a.logger))
	}
	if prefix := a.cfg.Export.ParquetPrefix; prefix != "" {
		var fields []export.Field
		if len(a.cfg.Catalog.Files) > 0 {
			meta, err := catalog.LoadMetadata(a.cfg.Catalog.Files...)
			if err != nil {
				return nil, fmt.Errorf("parquet schema: %w", err)
			}
			schema, err := catalog.DeriveSchema(meta)
			if err != nil {
				return nil, fmt.Errorf("parquet schema: %w", err)
			}
			fields = parquetFields(schema)
		}
		out = append(out, export.NewParquet(st, prefix, fields, a.logger))
	}
	return out, nil
}

// parquetFields maps catalog column types onto Parquet field types. Dates
// and timestamps stay strings, as the source sends them.
func parquetFields(s catalog.Schema) []export.Field {
	fields := make([]export.Field, 0, len(s.Columns))
	for _, c := range s.Columns {
		t := export.TypeString
		switch c.Type {
		case catalog.TypeBool:
			t = export.TypeBool
		case catalog.TypeInt64:
			t = export.TypeInt64
		case catalog.TypeFloat64:
			t = export.TypeFloat64
		}
		fields = append(fields, export.Field{Name: c.Name, Type: t})
	}
	return fields
}

// report prints the summary line and maps the outcome to an exit code.
func report(out io.Writer, sum *ingest.Summary, err error) int {
	if sum != nil && sum.RunID != "" {
		fmt.Fprintln(out, sum.String())
		if sum.Failed > 0 && sum.ReportPath != "" {
			fmt.Fprintf(out, "failure report: %s\n", sum.ReportPath)
		}
		for _, e := range sum.ExportErrors {
			fmt.Fprintf(out, "export failed: %s\n", e)
		}
	}
	switch {
	case err == nil && sum.Failed > 0:
		return ExitPartialFailure
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ingest.ErrSourceUnavailable):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitSourceUnavailable
	case errors.Is(err, ingest.ErrCommitFailed):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
}
