package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postpilot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) a list of rule IDs that changed (enable/spec/payload).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.bus_enabled", newCfg.Logging.Bus.Enabled),
		)
	}

	// Store. Nil means the default file store.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Store; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Store; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", nDriver),
			logx.Bool("store.path_set", nPathSet),
			logx.String("store.busy_timeout", nBusy),
		)
	}

	// Scheduler
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.reload_interval", strings.TrimSpace(newCfg.Scheduler.ReloadInterval)),
			logx.String("scheduler.max_job_execution", strings.TrimSpace(newCfg.Scheduler.MaxJobExecution)),
			logx.Float64("scheduler.retry_backoff_base", newCfg.Scheduler.RetryBackoffBase),
		)
	}

	// Safety
	if !reflect.DeepEqual(oldCfg.Safety, newCfg.Safety) {
		changed = append(changed, "safety")
		attrs = append(attrs,
			logx.Int("safety.rate_limit_max_actions", newCfg.Safety.RateLimitMaxActions),
			logx.String("safety.rate_limit_window", strings.TrimSpace(newCfg.Safety.RateLimitWindow)),
			logx.Int("safety.daily_action_max", newCfg.Safety.DailyActionMax),
			logx.Float64("safety.duplicate_similarity", newCfg.Safety.DuplicateSimilarityThreshold),
		)
	}

	// Notify (never log token)
	oN := derefNotify(oldCfg.Notify)
	nN := derefNotify(newCfg.Notify)
	oN.Token, nN.Token = "", ""
	tokenFlipped := (oldCfg.Notify != nil && strings.TrimSpace(oldCfg.Notify.Token) != "") !=
		(newCfg.Notify != nil && strings.TrimSpace(newCfg.Notify.Token) != "")
	if !reflect.DeepEqual(oN, nN) || tokenFlipped {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.Bool("notify.token_set", newCfg.Notify != nil && strings.TrimSpace(newCfg.Notify.Token) != ""),
			logx.Int("notify.rate_per_sec", nN.RatePerSec),
		)
	}

	// Metrics
	oM := derefMetrics(oldCfg.Metrics)
	nM := derefMetrics(newCfg.Metrics)
	if oM != nM {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nM.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nM.Addr)),
		)
	}

	// Rules (summarize only; details at debug)
	ruleChanged := diffRules(oldCfg.Rules, newCfg.Rules)
	if len(ruleChanged) > 0 {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.Int("rules.changed_count", len(ruleChanged)),
			logx.Int("rules.enabled_count", countEnabledRules(newCfg.Rules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, ruleChanged
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}

func derefMetrics(m *MetricsConfig) MetricsConfig {
	if m == nil {
		return MetricsConfig{}
	}
	return *m
}

func countEnabledRules(rules []RuleConfig) int {
	n := 0
	for _, r := range rules {
		if r.Enabled {
			n++
		}
	}
	return n
}

func diffRules(oldR, newR []RuleConfig) []string {
	oldM := make(map[string]RuleConfig, len(oldR))
	for _, r := range oldR {
		oldM[r.ID] = r
	}
	newM := make(map[string]RuleConfig, len(newR))
	for _, r := range newR {
		newM[r.ID] = r
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK {
			out = append(out, id)
			continue
		}
		if o.Enabled != n.Enabled || o.Spec != n.Spec || o.Account != n.Account ||
			o.Priority != n.Priority || o.Name != n.Name {
			out = append(out, id)
			continue
		}
		if canonicalHashJSON(o.Payload) != canonicalHashJSON(n.Payload) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
