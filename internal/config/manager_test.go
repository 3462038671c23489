package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"scheduler": {"enabled": true, "reload_interval": "45s", "retry_backoff_base": 3},
		"safety": {"daily_action_max": 50, "rate_limit_window": "30m"},
		"store": {"driver": "sqlite", "path": "./jobs.db", "busy_timeout": "5s"},
		"rules": [{
			"id": "r1", "account": "acc", "spec": "@hourly", "enabled": true,
			"payload": {"kind": "post", "data": {"content": "hi"}}
		}]
	}`)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.ReloadInterval != "45s" || cfg.Scheduler.RetryBackoffBase != 3 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Safety.DailyActionMax != 50 {
		t.Fatalf("safety = %+v", cfg.Safety)
	}
	if cfg.Store == nil || cfg.Store.Driver != "sqlite" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].ID != "r1" {
		t.Fatalf("rules = %+v", cfg.Rules)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"scheduler": {"enabled": true, "workres": 3}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"scheduler": {"enabled": true}}{"extra": 1}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
  console: true
scheduler:
  enabled: true
  max_job_execution: 10m
safety:
  duplicate_similarity_threshold: 0.9
`)
	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "info" || !cfg.Scheduler.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Scheduler.MaxJobExecution != "10m" {
		t.Fatalf("max_job_execution = %q", cfg.Scheduler.MaxJobExecution)
	}
	if cfg.Safety.DuplicateSimilarityThreshold != 0.9 {
		t.Fatalf("threshold = %v", cfg.Safety.DuplicateSimilarityThreshold)
	}
}

func TestParseDurationFieldValidation(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "90s"); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty should be zero: %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration should fail")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage duration should fail")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging:   LoggingConfig{Level: "info"},
		Scheduler: SchedulerConfig{Enabled: true},
		Rules: []RuleConfig{
			{ID: "keep", Spec: "@hourly", Enabled: true},
			{ID: "gone", Spec: "@daily", Enabled: true},
		},
	}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "debug"},
		Scheduler: SchedulerConfig{Enabled: true},
		Rules: []RuleConfig{
			{ID: "keep", Spec: "@hourly", Enabled: true},
			{ID: "new", Spec: "*/5 * * * *", Enabled: true},
		},
	}

	sections, _, ruleChanged := SummarizeConfigChange(oldCfg, newCfg)

	wantSections := map[string]bool{"logging": true, "rules": true}
	if len(sections) != len(wantSections) {
		t.Fatalf("sections = %v", sections)
	}
	for _, s := range sections {
		if !wantSections[s] {
			t.Fatalf("unexpected section %q in %v", s, sections)
		}
	}

	wantRules := map[string]bool{"gone": true, "new": true}
	if len(ruleChanged) != len(wantRules) {
		t.Fatalf("ruleChanged = %v", ruleChanged)
	}
	for _, id := range ruleChanged {
		if !wantRules[id] {
			t.Fatalf("unexpected rule %q in %v", id, ruleChanged)
		}
	}
}

func TestReloadPublishesOnlyRealChanges(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	// Same content rewritten: hash suppression, no publish.
	m.reload(context.Background())
	if len(ch) != 0 {
		t.Fatalf("unchanged reload published %d configs", len(ch))
	}

	if err := os.WriteFile(path, []byte(`{"logging": {"level": "debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q, want debug", cfg.Logging.Level)
		}
	default:
		t.Fatal("changed reload did not publish")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("changed reload did not commit")
	}
}

func TestReloadRejectedByValidatorKeepsOldConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Logging.Level == "trace" {
			return errors.New("trace not allowed")
		}
		return nil
	})
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	if err := os.WriteFile(path, []byte(`{"logging": {"level": "trace"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if len(ch) != 0 {
		t.Fatal("rejected config must not publish")
	}
	if m.Get().Logging.Level != "info" {
		t.Fatalf("committed level = %q, want the old info", m.Get().Logging.Level)
	}
}
