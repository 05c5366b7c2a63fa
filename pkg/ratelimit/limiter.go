package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var limiterWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ingest_ratelimit_wait_seconds",
	Help:    "Time requests spent waiting for the rate limiter",
	Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
})

// Config holds the client-side request rate.
type Config struct {
	// RequestsPerSecond caps the sustained rate. Zero or negative disables
	// the token bucket.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the bucket size.
	Burst int `yaml:"burst"`
}

// DefaultConfig returns a conservative default.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		Burst:             5,
	}
}

// Limiter gates requests. It is safe for concurrent use by every worker of
// a pool.
type Limiter struct {
	bucket  *rate.Limiter
	tracker *Tracker
	logger  zerolog.Logger
}

// NewLimiter creates a limiter. tracker may be nil.
func NewLimiter(cfg Config, tracker *Tracker, logger zerolog.Logger) *Limiter {
	l := &Limiter{tracker: tracker, logger: logger}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.bucket = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return l
}

// Wait blocks until a request may be sent.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	start := time.Now()
	defer func() { limiterWaitSeconds.Observe(time.Since(start).Seconds()) }()

	if l.tracker != nil {
		if err := l.tracker.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit budget: %w", err)
		}
	}
	if l.bucket != nil {
		if err := l.bucket.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	return nil
}

// Observe feeds response headers to the budget tracker. Errors are logged,
// never returned: a bad header must not fail the request that carried it.
func (l *Limiter) Observe(ctx context.Context, headers http.Header) {
	if l == nil || l.tracker == nil {
		return
	}
	if err := l.tracker.UpdateFromHeaders(ctx, headers); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
	}
}
