package scheduler

import (
	"testing"
	"time"

	"postpilot/internal/job"
)

func TestAddRuleValidation(t *testing.T) {
	t.Parallel()
	r := NewRecurrence()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	payload := &job.PostPayload{Content: "hello"}

	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"cron spec", Rule{ID: "a", Spec: "*/5 * * * *", Payload: payload, Enabled: true}, false},
		{"descriptor", Rule{ID: "b", Spec: "@hourly", Payload: payload, Enabled: true}, false},
		{"every", Rule{ID: "c", Spec: "@every 90s", Payload: payload, Enabled: true}, false},
		{"missing id", Rule{Spec: "@hourly", Payload: payload}, true},
		{"missing payload", Rule{ID: "d", Spec: "@hourly"}, true},
		{"bad spec", Rule{ID: "e", Spec: "every tuesday", Payload: payload}, true},
		{"seconds field rejected", Rule{ID: "f", Spec: "* * * * * *", Payload: payload}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := r.AddRule(tc.rule, now)
			if (err != nil) != tc.wantErr {
				t.Fatalf("AddRule(%q) error = %v, wantErr %v", tc.rule.Spec, err, tc.wantErr)
			}
		})
	}
}

func TestAddRuleReplacesExisting(t *testing.T) {
	t.Parallel()
	r := NewRecurrence()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	payload := &job.PostPayload{Content: "hello"}

	if err := r.AddRule(Rule{ID: "r1", Spec: "@hourly", Payload: payload, Enabled: true}, now); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRule(Rule{ID: "r1", Spec: "@daily", Payload: payload, Enabled: true}, now); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if got := r.Rules()[0].Spec; got != "@daily" {
		t.Fatalf("spec = %q, want @daily", got)
	}
}

func TestDueSkipsDisabledAndAdvances(t *testing.T) {
	t.Parallel()
	r := NewRecurrence()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	mustAdd := func(rule Rule) {
		t.Helper()
		if err := r.AddRule(rule, now); err != nil {
			t.Fatal(err)
		}
	}
	mustAdd(Rule{ID: "on", AccountID: "acc", Spec: "@every 1h", Priority: job.PriorityHigh, Payload: &job.PostPayload{Content: "a"}, Enabled: true})
	mustAdd(Rule{ID: "off", AccountID: "acc", Spec: "@every 1h", Payload: &job.PostPayload{Content: "b"}, Enabled: false})

	if jobs := r.due(now.Add(30 * time.Minute)); len(jobs) != 0 {
		t.Fatalf("nothing is due yet, got %d jobs", len(jobs))
	}

	jobs := r.due(now.Add(61 * time.Minute))
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	j := jobs[0]
	if j.RuleID != "on" || j.AccountID != "acc" || j.Priority != job.PriorityHigh {
		t.Fatalf("job = %+v", j)
	}

	// The rule advanced past now; the same instant does not fire twice.
	if jobs := r.due(now.Add(61 * time.Minute)); len(jobs) != 0 {
		t.Fatalf("rule fired twice at the same instant: %d jobs", len(jobs))
	}
	if jobs := r.due(now.Add(122 * time.Minute)); len(jobs) != 1 {
		t.Fatalf("next window should fire once, got %d", len(jobs))
	}

	infos := r.Rules()
	for _, info := range infos {
		if info.ID == "on" && info.Fired != 2 {
			t.Fatalf("fired = %d, want 2", info.Fired)
		}
		if info.ID == "off" && info.Fired != 0 {
			t.Fatalf("disabled rule fired %d times", info.Fired)
		}
	}

	r.RemoveRule("on")
	if r.Len() != 1 {
		t.Fatalf("Len after remove = %d, want 1", r.Len())
	}
}
