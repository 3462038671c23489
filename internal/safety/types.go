package safety

import "time"

// RiskLevel is an ordinal account-health classification.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Reason identifies why the guard denied an action.
type Reason string

const (
	ReasonPaused      Reason = "account_paused"
	ReasonRateLimited Reason = "rate_limited"
	ReasonDailyLimit  Reason = "daily_limit_reached"
	ReasonSpacing     Reason = "action_spacing"
	ReasonDuplicate   Reason = "duplicate_content"
)

// ErrorKind classifies recorded failures.
type ErrorKind string

const (
	ErrorExecution ErrorKind = "execution"
	ErrorTimeout   ErrorKind = "timeout"
	ErrorPlatform  ErrorKind = "platform"
)

// Decision is the outcome of a guard check.
//
// RetryAfter > 0 means the denial is transient: the same action is expected
// to be allowed once RetryAfter elapses. Duplicate-content denials carry no
// RetryAfter: resubmitting the same content will never pass.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Message    string
	Risk       RiskLevel
	RetryAfter time.Duration
}

func allow(risk RiskLevel) Decision {
	return Decision{Allowed: true, Risk: risk}
}

func deny(reason Reason, msg string, risk RiskLevel, retryAfter time.Duration) Decision {
	return Decision{Reason: reason, Message: msg, Risk: risk, RetryAfter: retryAfter}
}

// accountHealth is the per-account mutable state. It is created lazily on
// first check and lives only for the process lifetime; a restart resets all
// counters and pause state.
type accountHealth struct {
	accountID string

	risk RiskLevel

	dailyActionCount    int
	lastActionTime      time.Time
	consecutiveErrors   int
	highRiskEvents      int
	rateLimitViolations int

	paused      bool
	pausedUntil time.Time

	actions *timeRing
	content *contentRing
}

// HealthView is a read-only copy of account state for status surfaces.
type HealthView struct {
	AccountID           string    `json:"account_id"`
	Risk                string    `json:"risk"`
	DailyActionCount    int       `json:"daily_action_count"`
	LastActionTime      time.Time `json:"last_action_time"`
	ConsecutiveErrors   int       `json:"consecutive_errors"`
	HighRiskEvents      int       `json:"high_risk_events"`
	RateLimitViolations int       `json:"rate_limit_violations"`
	Paused              bool      `json:"paused"`
	PausedUntil         time.Time `json:"paused_until,omitempty"`
	RecentActions       int       `json:"recent_actions"`
	ContentHistory      int       `json:"content_history"`
}

// PauseEvent is published on the event bus when an account auto-pauses.
type PauseEvent struct {
	AccountID string        `json:"account_id"`
	Reason    string        `json:"reason"`
	Risk      string        `json:"risk"`
	Until     time.Time     `json:"until"`
	Cooldown  time.Duration `json:"cooldown"`
}

// RiskEvent is published when an account's risk level escalates.
type RiskEvent struct {
	AccountID string `json:"account_id"`
	Risk      string `json:"risk"`
	Cause     string `json:"cause"`
}
