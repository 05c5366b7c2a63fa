// Package store persists aggregated datasets into Postgres.
//
// Replace drops/creates the destination table and bulk-loads rows inside a
// single transaction, so a failed load never leaves a half-written table.
// Append bulk-loads into an existing table. Both use COPY in CSV format.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	rowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_store_rows_written_total",
		Help: "Total rows copied into the store by table and mode",
	}, []string{"table", "mode"})

	commitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_store_commit_duration_seconds",
		Help:    "Duration of store commits by mode",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"mode"})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_store_errors_total",
		Help: "Total store errors by operation",
	}, []string{"op"})
)

// Commit modes used as metric labels.
const (
	ModeReplace = "replace"
	ModeAppend  = "append"
)

var (
	// ErrNoColumns is returned when a load names no columns.
	ErrNoColumns = errors.New("store: no columns")

	// ErrRowWidth is returned when a row does not match the column list.
	ErrRowWidth = errors.New("store: row width does not match columns")
)

// Config holds the connection settings.
type Config struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`

	// SimpleProtocol is needed behind transaction-mode poolers such as
	// pgbouncer.
	SimpleProtocol bool `yaml:"simple_protocol"`
}

// Postgres is a pgx-backed store. It is safe for concurrent use.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.SimpleProtocol {
		pcfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return NewPostgres(pool, logger), nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool, logger zerolog.Logger) *Postgres {
	if pool == nil {
		panic("pgx pool cannot be nil")
	}
	return &Postgres{
		pool:   pool,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Replace runs createQueries (typically DROP TABLE IF EXISTS + CREATE TABLE)
// and copies rows into table, all in one transaction. It returns the number
// of rows copied.
func (p *Postgres) Replace(ctx context.Context, table string, createQueries, columns []string, rows [][]any) (int64, error) {
	return p.load(ctx, ModeReplace, table, createQueries, columns, rows)
}

// Append copies rows into an existing table.
func (p *Postgres) Append(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return p.load(ctx, ModeAppend, table, nil, columns, rows)
}

func (p *Postgres) load(ctx context.Context, mode, table string, queries, columns []string, rows [][]any) (int64, error) {
	if err := checkRows(columns, rows); err != nil {
		return 0, err
	}
	start := time.Now()

	n, err := p.inTx(ctx, func(tx pgx.Tx) (int64, error) {
		for i, q := range queries {
			if _, err := tx.Exec(ctx, q); err != nil {
				return 0, fmt.Errorf("query %d: %w", i, err)
			}
		}
		return copyCSV(ctx, tx, table, columns, rows)
	})
	if err != nil {
		storeErrors.WithLabelValues(mode).Inc()
		return 0, fmt.Errorf("%s %s: %w", mode, table, err)
	}

	commitDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	rowsWritten.WithLabelValues(table, mode).Add(float64(n))
	p.logger.Info().
		Str("table", table).
		Str("mode", mode).
		Int64("rows", n).
		Dur("duration", time.Since(start)).
		Msg("Rows committed")
	return n, nil
}

func (p *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) (int64, error)) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n, err := fn(tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// Result is the outcome of one statement run by Execute.
type Result struct {
	Query        string
	Select       bool
	Rows         [][]any
	RowsAffected int64
}

// Execute runs each query in its own transaction. Statements containing
// "select" (any case) return their rows; others report rows affected.
// Execution stops at the first failing statement; earlier results are
// returned along with the error.
func (p *Postgres) Execute(ctx context.Context, queries ...string) ([]Result, error) {
	results := make([]Result, 0, len(queries))
	for i, q := range queries {
		res := Result{Query: q, Select: IsSelect(q)}

		_, err := p.inTx(ctx, func(tx pgx.Tx) (int64, error) {
			if !res.Select {
				tag, err := tx.Exec(ctx, q)
				res.RowsAffected = tag.RowsAffected()
				return 0, err
			}
			rows, err := tx.Query(ctx, q)
			if err != nil {
				return 0, err
			}
			defer rows.Close()
			for rows.Next() {
				values, err := rows.Values()
				if err != nil {
					return 0, err
				}
				res.Rows = append(res.Rows, values)
			}
			return 0, rows.Err()
		})
		if err != nil {
			storeErrors.WithLabelValues("execute").Inc()
			return results, fmt.Errorf("execute query %d: %w", i, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// IsSelect reports whether q returns rows under the Execute convention.
func IsSelect(q string) bool {
	return strings.Contains(strings.ToLower(q), "select")
}

func checkRows(columns []string, rows [][]any) error {
	if len(columns) == 0 {
		return ErrNoColumns
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("%w: row %d has %d values, want %d", ErrRowWidth, i, len(row), len(columns))
		}
	}
	return nil
}
