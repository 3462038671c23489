package app

import (
	"fmt"
	"strings"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/job"
	"postpilot/internal/notify"
	"postpilot/internal/observability"
	"postpilot/internal/safety"
	"postpilot/internal/scheduler"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Bus: logx.BusConfig{
			Enabled:    cfg.Logging.Bus.Enabled,
			MinLevel:   cfg.Logging.Bus.MinLevel,
			RatePerSec: cfg.Logging.Bus.RatePerSec,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	sc := store.Config{Driver: "file", Path: "./postpilot_store"}
	if cfg.Store == nil {
		return sc, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	switch driver {
	case "", "file", "sqlite", "memory":
	default:
		return store.Config{}, fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver)
	}
	if driver != "" {
		sc.Driver = driver
	}
	if p := strings.TrimSpace(cfg.Store.Path); p != "" {
		sc.Path = p
	}
	busy, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	sc.BusyTimeout = busy
	return sc, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		Enabled:             sc.Enabled,
		RetryBackoffBase:    sc.RetryBackoffBase,
		InterJobDelayFactor: sc.InterJobDelayFactor,
	}

	var err error
	parse := func(key, raw string) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = config.ParseDurationField(key, raw)
		return d
	}
	out.TickInterval = parse("scheduler.tick_interval", sc.TickInterval)
	out.RunningPoll = parse("scheduler.running_poll", sc.RunningPoll)
	out.BusySleep = parse("scheduler.busy_sleep", sc.BusySleep)
	out.IdleSleep = parse("scheduler.idle_sleep", sc.IdleSleep)
	out.ReloadInterval = parse("scheduler.reload_interval", sc.ReloadInterval)
	out.ReloadGrace = parse("scheduler.reload_grace", sc.ReloadGrace)
	out.ExpiryGrace = parse("scheduler.expiry_grace", sc.ExpiryGrace)
	out.MaxJobExecution = parse("scheduler.max_job_execution", sc.MaxJobExecution)
	// The inter-job hold derives from the guard's spacing knob.
	out.MinDelayBetweenActions = parse("safety.min_delay_between_actions", cfg.Safety.MinDelayBetweenActions)
	if err != nil {
		return scheduler.Config{}, err
	}
	if sc.RetryBackoffBase < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.retry_backoff_base must be >= 0")
	}
	if sc.InterJobDelayFactor < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.inter_job_delay_factor must be >= 0")
	}
	return out, nil
}

func mapSafetyConfig(cfg *config.Config) (safety.Config, error) {
	sf := cfg.Safety
	out := safety.Config{
		RateLimitMaxActions:          sf.RateLimitMaxActions,
		DailyActionMax:               sf.DailyActionMax,
		DuplicateSimilarityThreshold: sf.DuplicateSimilarityThreshold,
		AutoPauseConsecutiveErrors:   sf.AutoPauseConsecutiveErrors,
		AutoPauseHighRiskEvents:      sf.AutoPauseHighRiskEvents,
		AutoPauseRateLimitViolation:  sf.AutoPauseRateLimitViolations,
		ContentHistorySize:           sf.ContentHistorySize,
		ActionHistorySize:            sf.ActionHistorySize,
	}

	var err error
	parse := func(key, raw string) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = config.ParseDurationField(key, raw)
		return d
	}
	out.RateLimitWindow = parse("safety.rate_limit_window", sf.RateLimitWindow)
	out.MinDelayBetweenActions = parse("safety.min_delay_between_actions", sf.MinDelayBetweenActions)
	out.CooldownAfterError = parse("safety.cooldown_after_error", sf.CooldownAfterError)
	out.CooldownAfterHighRisk = parse("safety.cooldown_after_high_risk", sf.CooldownAfterHighRisk)
	if err != nil {
		return safety.Config{}, err
	}
	if sf.DuplicateSimilarityThreshold < 0 || sf.DuplicateSimilarityThreshold > 1 {
		return safety.Config{}, fmt.Errorf("safety.duplicate_similarity_threshold must be within [0..1]")
	}
	return out, nil
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	if cfg.Notify == nil {
		return notify.Config{}
	}
	return notify.Config{
		Enabled:    cfg.Notify.Enabled,
		Token:      cfg.Notify.Token,
		ChatID:     cfg.Notify.ChatID,
		RatePerSec: cfg.Notify.RatePerSec,
		QueueSize:  cfg.Notify.QueueSize,
	}
}

func mapMetricsConfig(cfg *config.Config) observability.Config {
	if cfg.Metrics == nil {
		return observability.Config{}
	}
	return observability.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
	}
}

// mapRules decodes rule configs into scheduler rules. Invalid payloads or
// priorities fail the whole mapping so a bad hot-reload is rejected as one.
func mapRules(cfg *config.Config) ([]scheduler.Rule, error) {
	rules := make([]scheduler.Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		key := fmt.Sprintf("rules[%d]", i)
		if strings.TrimSpace(rc.ID) == "" {
			return nil, fmt.Errorf("%s: id is required", key)
		}
		if strings.TrimSpace(rc.Account) == "" {
			return nil, fmt.Errorf("%s: account is required", key)
		}
		prio := job.PriorityNormal
		if strings.TrimSpace(rc.Priority) != "" {
			p, err := job.ParsePriority(rc.Priority)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			prio = p
		}
		payload, err := job.UnmarshalPayload(rc.Payload)
		if err != nil {
			return nil, fmt.Errorf("%s: payload: %w", key, err)
		}
		rules = append(rules, scheduler.Rule{
			ID:        rc.ID,
			Name:      rc.Name,
			AccountID: rc.Account,
			Spec:      rc.Spec,
			Priority:  prio,
			Payload:   payload,
			Enabled:   rc.Enabled,
		})
	}
	return rules, nil
}
