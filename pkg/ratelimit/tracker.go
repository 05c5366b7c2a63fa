package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisKeyPrefix prefixes every budget key; the scope follows.
const RedisKeyPrefix = "ingest:ratelimit:"

// ThrottleDelay is the pause applied per request in the warning band.
var ThrottleDelay = 1 * time.Second

var (
	budgetRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_ratelimit_budget_remaining",
		Help: "Requests remaining in the server-advertised window by scope",
	}, []string{"scope"})

	budgetBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_ratelimit_blocks_total",
		Help: "Total number of requests held until the budget window reset",
	}, []string{"scope"})

	budgetThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_ratelimit_throttles_total",
		Help: "Total number of requests throttled in the warning band",
	}, []string{"scope"})
)

// Tracker follows the server-advertised request budget for one scope
// (usually the source host) and stores it in Redis so concurrent
// processes against the same source see the same budget.
type Tracker struct {
	redis  *redis.Client
	scope  string
	logger zerolog.Logger
}

// NewTracker creates a budget tracker.
func NewTracker(redisClient *redis.Client, scope string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		scope:  scope,
		logger: logger.With().Str("scope", scope).Logger(),
	}
}

func (t *Tracker) key(field string) string {
	return RedisKeyPrefix + t.scope + ":" + field
}

// GetState retrieves the budget state from Redis. A healthy default is
// returned when nothing has been recorded yet.
func (t *Tracker) GetState(ctx context.Context) (*BudgetState, error) {
	vals, err := t.redis.MGet(ctx, t.key("remaining"), t.key("reset_at"), t.key("last_update")).Result()
	if err != nil {
		return nil, fmt.Errorf("get budget state: %w", err)
	}

	if vals[0] == nil {
		t.logger.Debug().Msg("No budget state in Redis, returning default healthy state")
		return &BudgetState{
			Remaining:  100,
			ResetAt:    time.Now(),
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	remaining, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return nil, fmt.Errorf("parse remaining: %w", err)
	}

	var resetUnix int64
	if vals[1] != nil {
		resetUnix, err = strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse reset timestamp: %w", err)
		}
	}

	var lastUpdate time.Time
	if vals[2] != nil {
		if err := json.Unmarshal([]byte(fmt.Sprint(vals[2])), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &BudgetState{
		Remaining:  remaining,
		ResetAt:    time.Unix(resetUnix, 0),
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth()
	return state, nil
}

// UpdateFromHeaders records the budget advertised by a response. Responses
// without HeaderRemaining leave the state untouched. Retry-After on its own
// is treated as an exhausted window.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	retryAfter := headers.Get(HeaderRetryAfter)
	if remainStr == "" && retryAfter == "" {
		return nil
	}

	remain := 0
	resetStr := headers.Get(HeaderReset)
	if remainStr != "" {
		var err error
		remain, err = strconv.Atoi(remainStr)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
		}
		if resetStr == "" {
			return errors.New(HeaderReset + " header missing")
		}
	} else {
		resetStr = retryAfter
	}

	resetSeconds, err := strconv.Atoi(resetStr)
	if err != nil {
		return fmt.Errorf("parse reset header: %w", err)
	}

	now := time.Now()
	state := &BudgetState{
		Remaining:  remain,
		ResetAt:    now.Add(time.Duration(resetSeconds) * time.Second),
		LastUpdate: now,
	}
	state.UpdateHealth()

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, t.key("remaining"), remain, 0)
	pipe.Set(ctx, t.key("reset_at"), state.ResetAt.Unix(), 0)
	pipe.Set(ctx, t.key("last_update"), lastUpdateJSON, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store budget state in redis: %w", err)
	}

	budgetRemaining.WithLabelValues(t.scope).Set(float64(remain))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Request budget critical - requests will wait for reset")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Request budget low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", remain).
			Bool("is_healthy", state.IsHealthy).
			Msg("Request budget updated")
	}

	return nil
}

// Wait blocks until the budget allows another request. In the critical band
// it waits for the window to reset; in the warning band it pauses for
// ThrottleDelay. It returns early with ctx.Err() on cancellation.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get budget state: %w", err)
	}

	var delay time.Duration
	switch {
	case state.NeedsCriticalBlock():
		delay = state.TimeUntilReset()
		budgetBlocksTotal.WithLabelValues(t.scope).Inc()
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", delay).
			Msg("Request budget critical - waiting for reset")
	case state.NeedsThrottling():
		delay = ThrottleDelay
		budgetThrottlesTotal.WithLabelValues(t.scope).Inc()
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Msg("Request budget low - throttling request")
	default:
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
