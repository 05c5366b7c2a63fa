// Package metrics exposes the Prometheus registry shared by the ingest
// packages and serves it over HTTP. Metrics are defined next to the code
// that updates them (client, ratelimit, cache, workerpool, ingest, store,
// archive, download, objstore, watermark) and register themselves via
// promauto.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer every package's metrics land in.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Run Metrics (pkg/ingest):
//   - ingest_runs_total{mode, outcome} (Counter): Runs by mode (full, incremental) and outcome
//   - ingest_last_success_timestamp_seconds{table} (Gauge): Unix time of the last committed run
//
// Worker Pool Metrics (pkg/workerpool):
//   - ingest_units_total{pool, outcome} (Counter): Units by outcome (succeeded, failed)
//   - ingest_unit_duration_seconds{pool} (Histogram): Unit duration
//   - ingest_units_in_flight{pool} (Gauge): Units currently executing
//
// Request Metrics (pkg/client):
//   - ingest_http_requests_total{host, status} (Counter): Requests by host and HTTP status
//   - ingest_http_request_duration_seconds{host} (Histogram): Request duration including retries
//   - ingest_http_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - ingest_http_retries_total{error_class} (Counter): Retry attempts
//   - ingest_http_retry_backoff_seconds{error_class} (Histogram): Backoff before each retry
//   - ingest_http_retry_exhausted_total{error_class} (Counter): Requests that used every attempt
//
// Rate Limit Metrics (pkg/ratelimit):
//   - ingest_ratelimit_budget_remaining{scope} (Gauge): Remaining request budget reported upstream
//   - ingest_ratelimit_blocks_total{scope} (Counter): Requests blocked on an exhausted budget
//   - ingest_ratelimit_throttles_total{scope} (Counter): Requests slowed on a low budget
//   - ingest_ratelimit_wait_seconds (Histogram): Time spent waiting for a token
//
// Cache Metrics (pkg/cache):
//   - ingest_cache_hits_total{layer} (Counter), ingest_cache_misses_total (Counter)
//   - ingest_cache_size_bytes{layer} (Gauge), ingest_cache_errors_total{operation} (Counter)
//
// Storage Metrics (pkg/store, pkg/watermark, pkg/objstore):
//   - ingest_store_rows_written_total{table, mode} (Counter): Rows committed by mode (replace, append)
//   - ingest_store_commit_duration_seconds{mode} (Histogram): Transaction duration
//   - ingest_store_errors_total{op} (Counter): Failed store operations
//   - ingest_watermark_saves_total{key} (Counter): Watermark checkpoints written
//   - ingest_objstore_puts_total{bucket, result} (Counter), ingest_objstore_bytes_total{bucket} (Counter)
//
// Archive Metrics (pkg/archive, pkg/download):
//   - ingest_archive_retrievals_total{state} (Counter): Retrievals by final task state
//   - ingest_download_artifacts_total{state} (Counter): Artifacts by final state
//
// Example Prometheus Queries:
//
//   # Failed unit ratio
//   sum(rate(ingest_units_total{outcome="failed"}[1h])) / sum(rate(ingest_units_total[1h]))
//
//   # Hours since the samples table was last committed
//   (time() - ingest_last_success_timestamp_seconds{table="samples"}) / 3600
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(ingest_http_request_duration_seconds_bucket[5m]))

// Handler serves GET /metrics and GET /health.
func Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	return r
}

// Serve listens on addr and serves Handler until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", addr, err)
	}
	return serve(ctx, l, logger)
}

func serve(ctx context.Context, l net.Listener, logger zerolog.Logger) error {
	srv := &http.Server{Handler: Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", l.Addr().String()).Msg("Serving metrics")
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
