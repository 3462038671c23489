package safety

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/observability"
	logx "postpilot/pkg/logx"
)

// Guard is the per-account rate limiter, duplicate detector, and risk tracker.
// All methods are safe for concurrent callers.
type Guard struct {
	mu       sync.Mutex
	cfg      Config
	accounts map[string]*accountHealth

	log logx.Logger
	bus eventbus.Bus

	// now is swappable for tests.
	now func() time.Time
}

func NewGuard(cfg Config, log logx.Logger, bus eventbus.Bus) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{
		cfg:      cfg.withDefaults(),
		accounts: map[string]*accountHealth{},
		log:      log,
		bus:      bus,
		now:      time.Now,
	}
}

// accountLocked returns the health record for accountID, creating it lazily.
func (g *Guard) accountLocked(accountID string) *accountHealth {
	h := g.accounts[accountID]
	if h == nil {
		h = &accountHealth{
			accountID: accountID,
			actions:   newTimeRing(g.cfg.ActionHistorySize),
			content:   newContentRing(g.cfg.ContentHistorySize),
		}
		g.accounts[accountID] = h
	}
	return h
}

// CanAct aggregates pause state, rate limit, daily quota, spacing, and
// duplicate checks in that order, short-circuiting on the first denial.
// The whole sequence holds the guard lock so a concurrent caller cannot
// interleave between check and record.
func (g *Guard) CanAct(accountID, content string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	h := g.accountLocked(accountID)

	for _, check := range []func(*accountHealth, time.Time) Decision{
		g.pauseLocked,
		g.rateLimitLocked,
		g.dailyLimitLocked,
		g.spacingLocked,
	} {
		if d := check(h, now); !d.Allowed {
			g.noteDenied(h, d)
			return d
		}
	}
	if d := g.duplicateLocked(h, content); !d.Allowed {
		g.noteDenied(h, d)
		return d
	}
	return allow(h.risk)
}

// CheckRateLimit evaluates only the sliding-window rate limit.
func (g *Guard) CheckRateLimit(accountID string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rateLimitLocked(g.accountLocked(accountID), g.now())
}

// CheckDailyLimit evaluates only the daily quota.
func (g *Guard) CheckDailyLimit(accountID string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyLimitLocked(g.accountLocked(accountID), g.now())
}

// CheckActionSpacing evaluates only the inter-action spacing requirement.
func (g *Guard) CheckActionSpacing(accountID string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spacingLocked(g.accountLocked(accountID), g.now())
}

// CheckDuplicateContent evaluates only duplicate detection.
func (g *Guard) CheckDuplicateContent(accountID, content string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.duplicateLocked(g.accountLocked(accountID), content)
}

func (g *Guard) pauseLocked(h *accountHealth, now time.Time) Decision {
	if !h.paused {
		return allow(h.risk)
	}
	if now.Before(h.pausedUntil) {
		return deny(ReasonPaused,
			fmt.Sprintf("account paused until %s", h.pausedUntil.Format(time.RFC3339)),
			h.risk, h.pausedUntil.Sub(now))
	}
	// Pause elapsed: lift it but keep the risk level; only successes walk
	// risk back down.
	h.paused = false
	h.pausedUntil = time.Time{}
	g.log.Info("account pause lifted", logx.String("account", h.accountID))
	return allow(h.risk)
}

func (g *Guard) rateLimitLocked(h *accountHealth, now time.Time) Decision {
	cutoff := now.Add(-g.cfg.RateLimitWindow)
	count := h.actions.countSince(cutoff)
	if count < g.cfg.RateLimitMaxActions {
		return allow(h.risk)
	}

	h.rateLimitViolations++
	retryAfter := g.cfg.RateLimitWindow
	if oldest, ok := h.actions.oldestSince(cutoff); ok {
		retryAfter = oldest.Add(g.cfg.RateLimitWindow).Sub(now)
	}
	if h.rateLimitViolations >= g.cfg.AutoPauseRateLimitViolation {
		g.pauseAccountLocked(h, now, g.cfg.CooldownAfterHighRisk, "repeated rate limit violations")
		retryAfter = h.pausedUntil.Sub(now)
	}
	return deny(ReasonRateLimited,
		fmt.Sprintf("%d actions in the last %s (max %d)", count, g.cfg.RateLimitWindow, g.cfg.RateLimitMaxActions),
		h.risk, retryAfter)
}

func (g *Guard) dailyLimitLocked(h *accountHealth, now time.Time) Decision {
	g.maybeResetDailyLocked(h, now)
	if h.dailyActionCount < g.cfg.DailyActionMax {
		return allow(h.risk)
	}
	return deny(ReasonDailyLimit,
		fmt.Sprintf("daily quota of %d actions reached", g.cfg.DailyActionMax),
		h.risk, untilNextDay(now))
}

func (g *Guard) spacingLocked(h *accountHealth, now time.Time) Decision {
	if h.lastActionTime.IsZero() {
		return allow(h.risk)
	}
	elapsed := now.Sub(h.lastActionTime)
	if elapsed >= g.cfg.MinDelayBetweenActions {
		return allow(h.risk)
	}
	remaining := g.cfg.MinDelayBetweenActions - elapsed
	return deny(ReasonSpacing,
		fmt.Sprintf("last action %s ago, need %s between actions", elapsed.Round(time.Second), g.cfg.MinDelayBetweenActions),
		h.risk, remaining)
}

func (g *Guard) duplicateLocked(h *accountHealth, content string) Decision {
	norm := normalizeContent(content)
	if norm == "" {
		return allow(h.risk)
	}
	e := newContentEntry(content)
	for _, prev := range h.content.each() {
		if prev.hash == e.hash {
			return deny(ReasonDuplicate, "identical to recently posted content", h.risk, 0)
		}
		if sim := jaccard(e.words, prev.words); sim >= g.cfg.DuplicateSimilarityThreshold {
			return deny(ReasonDuplicate,
				fmt.Sprintf("too similar to recent content (%.0f%%)", sim*100),
				h.risk, 0)
		}
	}
	return allow(h.risk)
}

// RecordSuccess registers a completed action: both history rings grow, the
// daily counter advances, and a success walks the risk level one step down.
func (g *Guard) RecordSuccess(accountID, content string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	h := g.accountLocked(accountID)
	g.maybeResetDailyLocked(h, now)

	h.actions.add(now)
	if norm := normalizeContent(content); norm != "" {
		h.content.add(newContentEntry(content))
	}
	h.dailyActionCount++
	h.lastActionTime = now
	h.consecutiveErrors = 0
	if !h.paused && h.risk > RiskLow {
		h.risk--
	}
}

// RecordError registers a failed action and escalates risk:
// MEDIUM at the first consecutive error, HIGH at 3, CRITICAL with auto-pause
// at the configured threshold.
func (g *Guard) RecordError(accountID string, kind ErrorKind, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	h := g.accountLocked(accountID)
	h.consecutiveErrors++

	cause := fmt.Sprintf("%s error: %s", kind, message)
	switch {
	case h.consecutiveErrors >= g.cfg.AutoPauseConsecutiveErrors:
		g.escalateLocked(h, RiskCritical, cause)
		g.pauseAccountLocked(h, now, g.cfg.CooldownAfterError, fmt.Sprintf("%d consecutive errors", h.consecutiveErrors))
	case h.consecutiveErrors >= 3:
		g.escalateLocked(h, RiskHigh, cause)
	default:
		g.escalateLocked(h, RiskMedium, cause)
	}

	g.log.Warn("action error recorded",
		logx.String("account", accountID),
		logx.String("kind", string(kind)),
		logx.Int("consecutive", h.consecutiveErrors),
		logx.String("risk", h.risk.String()))
}

// RecordHighRiskEvent registers a platform warning signal (captcha, challenge,
// unusual-activity notice). Escalates to HIGH immediately and auto-pauses at
// the configured event threshold.
func (g *Guard) RecordHighRiskEvent(accountID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	h := g.accountLocked(accountID)
	h.highRiskEvents++

	if h.highRiskEvents >= g.cfg.AutoPauseHighRiskEvents {
		g.escalateLocked(h, RiskCritical, reason)
		g.pauseAccountLocked(h, now, g.cfg.CooldownAfterHighRisk, reason)
	} else {
		g.escalateLocked(h, RiskHigh, reason)
	}
}

// ResumeAccount lifts a pause manually (operator action).
func (g *Guard) ResumeAccount(accountID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h := g.accountLocked(accountID)
	h.paused = false
	h.pausedUntil = time.Time{}
	h.consecutiveErrors = 0
	g.log.Info("account resumed by operator", logx.String("account", accountID))
}

// Health returns a read-only view of one account's state.
func (g *Guard) Health(accountID string) HealthView {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.viewLocked(g.accountLocked(accountID))
}

// Snapshot returns views of every tracked account, ordered by account ID.
func (g *Guard) Snapshot() []HealthView {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]HealthView, 0, len(g.accounts))
	for _, h := range g.accounts {
		out = append(out, g.viewLocked(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (g *Guard) viewLocked(h *accountHealth) HealthView {
	return HealthView{
		AccountID:           h.accountID,
		Risk:                h.risk.String(),
		DailyActionCount:    h.dailyActionCount,
		LastActionTime:      h.lastActionTime,
		ConsecutiveErrors:   h.consecutiveErrors,
		HighRiskEvents:      h.highRiskEvents,
		RateLimitViolations: h.rateLimitViolations,
		Paused:              h.paused,
		PausedUntil:         h.pausedUntil,
		RecentActions:       h.actions.len(),
		ContentHistory:      h.content.len(),
	}
}

func (g *Guard) maybeResetDailyLocked(h *accountHealth, now time.Time) {
	if h.lastActionTime.IsZero() {
		return
	}
	ly, lm, ld := h.lastActionTime.Date()
	ny, nm, nd := now.Date()
	if ly != ny || lm != nm || ld != nd {
		h.dailyActionCount = 0
	}
}

func (g *Guard) escalateLocked(h *accountHealth, to RiskLevel, cause string) {
	if h.risk >= to {
		return
	}
	h.risk = to
	if g.bus != nil {
		g.bus.Publish(eventbus.Event{
			Type: eventbus.TypeAccountRisk,
			Data: RiskEvent{AccountID: h.accountID, Risk: to.String(), Cause: cause},
		})
	}
}

func (g *Guard) pauseAccountLocked(h *accountHealth, now time.Time, cooldown time.Duration, reason string) {
	if h.paused && h.pausedUntil.After(now.Add(cooldown)) {
		return
	}
	h.paused = true
	h.pausedUntil = now.Add(cooldown)
	h.risk = RiskCritical
	observability.AccountPauses.Inc()
	g.log.Error("account auto-paused",
		logx.String("account", h.accountID),
		logx.String("reason", reason),
		logx.Time("until", h.pausedUntil))
	if g.bus != nil {
		g.bus.Publish(eventbus.Event{
			Type: eventbus.TypeAccountPaused,
			Data: PauseEvent{AccountID: h.accountID, Reason: reason, Risk: h.risk.String(), Until: h.pausedUntil, Cooldown: cooldown},
		})
	}
}

func (g *Guard) noteDenied(h *accountHealth, d Decision) {
	observability.SafetyDenials.WithLabelValues(string(d.Reason)).Inc()
	g.log.Debug("action denied",
		logx.String("account", h.accountID),
		logx.String("reason", string(d.Reason)),
		logx.Duration("retry_after", d.RetryAfter))
}

func untilNextDay(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}
