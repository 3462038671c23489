package safety

import "time"

// Config is immutable guard configuration. Zero fields get conservative
// defaults via withDefaults.
type Config struct {
	// Sliding-window rate limit.
	RateLimitWindow     time.Duration
	RateLimitMaxActions int

	// Daily quota. Resets lazily when the calendar date changes.
	DailyActionMax int

	// Minimum wall-clock gap between consecutive actions per account.
	MinDelayBetweenActions time.Duration

	// Jaccard word-overlap threshold (0..1) above which content counts as a
	// duplicate of a recent post.
	DuplicateSimilarityThreshold float64

	CooldownAfterError    time.Duration
	CooldownAfterHighRisk time.Duration

	// Auto-pause thresholds.
	AutoPauseConsecutiveErrors  int
	AutoPauseHighRiskEvents     int
	AutoPauseRateLimitViolation int

	// Bounded per-account history sizes.
	ContentHistorySize int
	ActionHistorySize  int
}

func (c Config) withDefaults() Config {
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Hour
	}
	if c.RateLimitMaxActions <= 0 {
		c.RateLimitMaxActions = 20
	}
	if c.DailyActionMax <= 0 {
		c.DailyActionMax = 100
	}
	if c.MinDelayBetweenActions <= 0 {
		c.MinDelayBetweenActions = 30 * time.Second
	}
	if c.DuplicateSimilarityThreshold <= 0 || c.DuplicateSimilarityThreshold > 1 {
		c.DuplicateSimilarityThreshold = 0.85
	}
	if c.CooldownAfterError <= 0 {
		c.CooldownAfterError = 30 * time.Minute
	}
	if c.CooldownAfterHighRisk <= 0 {
		c.CooldownAfterHighRisk = 2 * time.Hour
	}
	if c.AutoPauseConsecutiveErrors <= 0 {
		c.AutoPauseConsecutiveErrors = 5
	}
	if c.AutoPauseHighRiskEvents <= 0 {
		c.AutoPauseHighRiskEvents = 3
	}
	if c.AutoPauseRateLimitViolation <= 0 {
		c.AutoPauseRateLimitViolation = 3
	}
	if c.ContentHistorySize <= 0 {
		c.ContentHistorySize = 100
	}
	if c.ActionHistorySize <= 0 {
		c.ActionHistorySize = 200
	}
	// The action ring must hold at least a full window's worth of
	// timestamps, otherwise eviction caps countSince below the max and the
	// rate limit can never trip.
	if c.ActionHistorySize < c.RateLimitMaxActions {
		c.ActionHistorySize = c.RateLimitMaxActions
	}
	return c
}
