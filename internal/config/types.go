package config

import "encoding/json"

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Store controls job persistence. Omitted means the in-process file store
	// default under ./postpilot_store.
	Store *StoreConfig `json:"store,omitempty"`

	// Scheduler controls the job control loop.
	// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
	Scheduler SchedulerConfig `json:"scheduler"`

	// Safety controls per-account rate limiting, quotas and risk handling.
	Safety SafetyConfig `json:"safety"`

	// Rules are recurring job templates evaluated by the scheduler.
	Rules []RuleConfig `json:"rules,omitempty"`

	// Notify controls operator alerts for pause/risk events.
	Notify *NotifyConfig `json:"notify,omitempty"`

	// Metrics controls the Prometheus endpoint.
	Metrics *MetricsConfig `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Bus     LoggingBus  `json:"bus"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingBus mirrors warnings and errors onto the internal event bus so the
// notifier can forward them.
type LoggingBus struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StoreConfig controls the persistence layer.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./postpilot.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the single-flight job loop.
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "1s"
//   - running_poll: "2s"
//   - busy_sleep: "5s"
//   - idle_sleep: "30s"
//   - reload_interval: "30s"
//   - reload_grace: "2s"
//   - expiry_grace: "24h"
//   - max_job_execution: "10m"
//   - retry_backoff_base: 2
//   - inter_job_delay_factor: 2
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	TickInterval   string `json:"tick_interval,omitempty"`
	RunningPoll    string `json:"running_poll,omitempty"`
	BusySleep      string `json:"busy_sleep,omitempty"`
	IdleSleep      string `json:"idle_sleep,omitempty"`
	ReloadInterval string `json:"reload_interval,omitempty"`
	ReloadGrace    string `json:"reload_grace,omitempty"`

	// ExpiryGrace is how long past its scheduled time a waiting job may sit
	// before it is marked EXPIRED instead of dispatched.
	ExpiryGrace string `json:"expiry_grace,omitempty"`

	// MaxJobExecution bounds a single run; RUNNING jobs older than this are
	// treated as crashed and retried.
	MaxJobExecution string `json:"max_job_execution,omitempty"`

	RetryBackoffBase    float64 `json:"retry_backoff_base,omitempty"`
	InterJobDelayFactor int     `json:"inter_job_delay_factor,omitempty"`
}

// SafetyConfig controls the per-account guard.
//
// Defaults (when fields are omitted/zero):
//   - rate_limit_window: "1h"
//   - rate_limit_max_actions: 20
//   - daily_action_max: 100
//   - min_delay_between_actions: "30s"
//   - duplicate_similarity_threshold: 0.85
//   - cooldown_after_error: "30m"
//   - cooldown_after_high_risk: "2h"
//   - auto_pause_consecutive_errors: 5
//   - auto_pause_high_risk_events: 3
//   - auto_pause_rate_limit_violations: 3
type SafetyConfig struct {
	RateLimitWindow     string `json:"rate_limit_window,omitempty"`
	RateLimitMaxActions int    `json:"rate_limit_max_actions,omitempty"`
	DailyActionMax      int    `json:"daily_action_max,omitempty"`

	MinDelayBetweenActions string `json:"min_delay_between_actions,omitempty"`

	DuplicateSimilarityThreshold float64 `json:"duplicate_similarity_threshold,omitempty"`

	CooldownAfterError    string `json:"cooldown_after_error,omitempty"`
	CooldownAfterHighRisk string `json:"cooldown_after_high_risk,omitempty"`

	AutoPauseConsecutiveErrors   int `json:"auto_pause_consecutive_errors,omitempty"`
	AutoPauseHighRiskEvents      int `json:"auto_pause_high_risk_events,omitempty"`
	AutoPauseRateLimitViolations int `json:"auto_pause_rate_limit_violations,omitempty"`

	ContentHistorySize int `json:"content_history_size,omitempty"`
	ActionHistorySize  int `json:"action_history_size,omitempty"`
}

// RuleConfig is a recurring job template. Spec is a cron expression
// ("*/30 * * * *") or a descriptor ("@hourly", "@every 45m").
// Payload is the job payload envelope: {"kind": ..., "action": ..., "data": ...}.
type RuleConfig struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Account  string          `json:"account"`
	Spec     string          `json:"spec"`
	Priority string          `json:"priority,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	Enabled  bool            `json:"enabled"`
}

// NotifyConfig controls the Telegram operator alerter.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
// Prefer binding to localhost (e.g. "127.0.0.1:9090").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}
