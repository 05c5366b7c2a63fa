// Package ratelimit gates outbound requests to a remote source. A token
// bucket caps the request rate; an optional Tracker follows the budget the
// server advertises in X-RateLimit-Remaining and X-RateLimit-Reset and shares
// it across processes through Redis.
package ratelimit

import (
	"time"
)

// Response headers carrying the server's remaining budget.
const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Thresholds for budget decisions.
const (
	// BudgetThresholdCritical holds all requests until the window resets.
	BudgetThresholdCritical = 5

	// BudgetThresholdWarning throttles each request.
	BudgetThresholdWarning = 20

	// BudgetThresholdHealthy marks normal operation.
	BudgetThresholdHealthy = 50
)

// BudgetState is the server-advertised request budget for one scope.
type BudgetState struct {
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was last refreshed from headers.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= BudgetThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *BudgetState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests must wait for the reset.
// A window that has already reset never blocks.
func (s *BudgetState) NeedsCriticalBlock() bool {
	return s.Remaining < BudgetThresholdCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *BudgetState) NeedsThrottling() bool {
	return s.Remaining < BudgetThresholdWarning && !s.NeedsCriticalBlock() && s.TimeUntilReset() > 0
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s *BudgetState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth recomputes IsHealthy from Remaining.
func (s *BudgetState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= BudgetThresholdHealthy
}
