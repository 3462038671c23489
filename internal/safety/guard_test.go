package safety

import (
	"testing"
	"time"

	logx "postpilot/pkg/logx"
)

func newTestGuard(cfg Config) (*Guard, *time.Time) {
	g := NewGuard(cfg, logx.Nop(), nil)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	cur := &now
	g.now = func() time.Time { return *cur }
	return g, cur
}

func TestRateLimitWindow(t *testing.T) {
	t.Parallel()
	g, now := newTestGuard(Config{
		RateLimitWindow:             time.Hour,
		RateLimitMaxActions:         10,
		DailyActionMax:              1000,
		MinDelayBetweenActions:      time.Nanosecond,
		AutoPauseRateLimitViolation: 100,
	})

	for i := 0; i < 10; i++ {
		*now = now.Add(time.Minute)
		g.RecordSuccess("acc", "")
	}

	d := g.CheckRateLimit("acc")
	if d.Allowed {
		t.Fatal("11th action within the window should be denied")
	}
	if d.Reason != ReasonRateLimited {
		t.Fatalf("Reason = %s, want %s", d.Reason, ReasonRateLimited)
	}
	// Oldest action was 9 minutes ago; its window slot frees in 51 minutes.
	if d.RetryAfter != 51*time.Minute {
		t.Fatalf("RetryAfter = %s, want 51m", d.RetryAfter)
	}

	if d := g.CanAct("acc", ""); d.Allowed {
		t.Fatal("CanAct should deny while the window is saturated")
	}

	*now = now.Add(52 * time.Minute)
	if d := g.CheckRateLimit("acc"); !d.Allowed {
		t.Fatalf("action should be allowed after the window slides: %s", d.Message)
	}
}

func TestRateLimitHonorsMaxAboveHistorySize(t *testing.T) {
	t.Parallel()
	// A history buffer smaller than the window max must grow to fit it;
	// otherwise eviction keeps the window count below the max forever.
	g, now := newTestGuard(Config{
		RateLimitWindow:             time.Hour,
		RateLimitMaxActions:         50,
		ActionHistorySize:           10,
		DailyActionMax:              1000,
		MinDelayBetweenActions:      time.Nanosecond,
		AutoPauseRateLimitViolation: 1000,
	})

	for i := 0; i < 50; i++ {
		*now = now.Add(time.Second)
		if d := g.CheckRateLimit("acc"); !d.Allowed {
			t.Fatalf("action %d denied before the max: %s", i+1, d.Message)
		}
		g.RecordSuccess("acc", "")
	}

	d := g.CheckRateLimit("acc")
	if d.Allowed {
		t.Fatal("51st action within the window should be denied")
	}
	if d.Reason != ReasonRateLimited {
		t.Fatalf("Reason = %s, want %s", d.Reason, ReasonRateLimited)
	}
}

func TestDailyQuotaLazyReset(t *testing.T) {
	t.Parallel()
	g, now := newTestGuard(Config{
		RateLimitMaxActions:    1000,
		DailyActionMax:         5,
		MinDelayBetweenActions: time.Nanosecond,
	})

	for i := 0; i < 5; i++ {
		*now = now.Add(time.Second)
		g.RecordSuccess("acc", "")
	}

	d := g.CheckDailyLimit("acc")
	if d.Allowed {
		t.Fatal("6th action should exceed the daily quota")
	}
	if d.Reason != ReasonDailyLimit {
		t.Fatalf("Reason = %s, want %s", d.Reason, ReasonDailyLimit)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 24*time.Hour {
		t.Fatalf("RetryAfter = %s, want within (0, 24h]", d.RetryAfter)
	}

	// The counter resets lazily when the calendar date changes.
	*now = time.Date(2025, 3, 11, 0, 30, 0, 0, time.UTC)
	if d := g.CanAct("acc", "fresh content"); !d.Allowed {
		t.Fatalf("next-day action should be allowed: %s", d.Message)
	}
	if h := g.Health("acc"); h.DailyActionCount != 0 {
		t.Fatalf("DailyActionCount = %d, want 0 after reset", h.DailyActionCount)
	}
}

func TestActionSpacing(t *testing.T) {
	t.Parallel()
	g, now := newTestGuard(Config{
		RateLimitMaxActions:    1000,
		DailyActionMax:         1000,
		MinDelayBetweenActions: 30 * time.Second,
	})

	g.RecordSuccess("acc", "")

	*now = now.Add(10 * time.Second)
	d := g.CheckActionSpacing("acc")
	if d.Allowed {
		t.Fatal("action 10s after the previous one should be denied")
	}
	if d.Reason != ReasonSpacing {
		t.Fatalf("Reason = %s, want %s", d.Reason, ReasonSpacing)
	}
	if d.RetryAfter != 20*time.Second {
		t.Fatalf("RetryAfter = %s, want 20s", d.RetryAfter)
	}

	*now = now.Add(20 * time.Second)
	if d := g.CheckActionSpacing("acc"); !d.Allowed {
		t.Fatalf("action after the full delay should be allowed: %s", d.Message)
	}
}

func TestDuplicateContent(t *testing.T) {
	t.Parallel()
	g, now := newTestGuard(Config{
		RateLimitMaxActions:    1000,
		DailyActionMax:         1000,
		MinDelayBetweenActions: time.Nanosecond,
	})

	g.RecordSuccess("acc", "Check out our new product launch")
	*now = now.Add(time.Minute)

	tests := []struct {
		name    string
		content string
		allowed bool
	}{
		{name: "exact", content: "Check out our new product launch", allowed: false},
		{name: "case and spacing changed", content: "  check OUT our new   product launch ", allowed: false},
		{name: "near duplicate", content: "check out our new product launch today", allowed: false},
		{name: "below threshold", content: "check out our new product", allowed: true},
		{name: "unrelated", content: "weekly report is ready for review", allowed: true},
		{name: "empty", content: "", allowed: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d := g.CheckDuplicateContent("acc", tt.content)
			if d.Allowed != tt.allowed {
				t.Fatalf("Allowed = %v, want %v (%s)", d.Allowed, tt.allowed, d.Message)
			}
			if !tt.allowed {
				if d.Reason != ReasonDuplicate {
					t.Fatalf("Reason = %s, want %s", d.Reason, ReasonDuplicate)
				}
				if d.RetryAfter != 0 {
					t.Fatalf("duplicate denial must be terminal, got RetryAfter %s", d.RetryAfter)
				}
			}
		})
	}
}

func TestAutoPauseAfterConsecutiveErrors(t *testing.T) {
	t.Parallel()
	g, now := newTestGuard(Config{
		RateLimitMaxActions:        1000,
		DailyActionMax:             1000,
		MinDelayBetweenActions:     time.Nanosecond,
		AutoPauseConsecutiveErrors: 3,
		CooldownAfterError:         30 * time.Minute,
	})

	g.RecordError("acc", ErrorExecution, "post failed")
	g.RecordError("acc", ErrorExecution, "post failed")
	if h := g.Health("acc"); h.Paused || h.Risk != "medium" {
		t.Fatalf("after 2 errors: paused=%v risk=%s, want unpaused medium", h.Paused, h.Risk)
	}

	g.RecordError("acc", ErrorExecution, "post failed")
	h := g.Health("acc")
	if !h.Paused || h.Risk != "critical" {
		t.Fatalf("after 3 errors: paused=%v risk=%s, want paused critical", h.Paused, h.Risk)
	}

	d := g.CanAct("acc", "anything")
	if d.Allowed || d.Reason != ReasonPaused {
		t.Fatalf("paused account must be denied, got %+v", d)
	}
	if d.RetryAfter != 30*time.Minute {
		t.Fatalf("RetryAfter = %s, want 30m", d.RetryAfter)
	}

	// Pause lifts on its own after the cooldown; risk stays until successes
	// walk it down.
	*now = now.Add(31 * time.Minute)
	if d := g.CanAct("acc", "anything"); !d.Allowed {
		t.Fatalf("pause should lift after cooldown: %s", d.Message)
	}
	if h := g.Health("acc"); h.Paused || h.Risk != "critical" {
		t.Fatalf("after lift: paused=%v risk=%s, want unpaused critical", h.Paused, h.Risk)
	}
}

func TestHighRiskEventAutoPause(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(Config{
		AutoPauseHighRiskEvents: 2,
		CooldownAfterHighRisk:   2 * time.Hour,
	})

	g.RecordHighRiskEvent("acc", "captcha challenge")
	if h := g.Health("acc"); h.Paused || h.Risk != "high" {
		t.Fatalf("after 1 event: paused=%v risk=%s, want unpaused high", h.Paused, h.Risk)
	}

	g.RecordHighRiskEvent("acc", "unusual activity notice")
	if h := g.Health("acc"); !h.Paused || h.Risk != "critical" {
		t.Fatalf("after 2 events: paused=%v risk=%s, want paused critical", h.Paused, h.Risk)
	}
}

func TestRateLimitViolationAutoPause(t *testing.T) {
	t.Parallel()
	g, now := newTestGuard(Config{
		RateLimitWindow:             time.Hour,
		RateLimitMaxActions:         1,
		DailyActionMax:              1000,
		MinDelayBetweenActions:      time.Nanosecond,
		AutoPauseRateLimitViolation: 2,
		CooldownAfterHighRisk:       2 * time.Hour,
	})

	*now = now.Add(time.Second)
	g.RecordSuccess("acc", "")

	if d := g.CheckRateLimit("acc"); d.Allowed {
		t.Fatal("first violation should be denied")
	}
	if h := g.Health("acc"); h.Paused {
		t.Fatal("one violation must not pause the account")
	}

	d := g.CheckRateLimit("acc")
	if d.Allowed {
		t.Fatal("second violation should be denied")
	}
	if d.RetryAfter != 2*time.Hour {
		t.Fatalf("RetryAfter = %s, want the 2h pause cooldown", d.RetryAfter)
	}
	if h := g.Health("acc"); !h.Paused || h.RateLimitViolations != 2 {
		t.Fatalf("paused=%v violations=%d, want paused with 2 violations", h.Paused, h.RateLimitViolations)
	}
}

func TestSuccessWalksRiskDown(t *testing.T) {
	t.Parallel()
	g, now := newTestGuard(Config{
		RateLimitMaxActions:        1000,
		DailyActionMax:             1000,
		MinDelayBetweenActions:     time.Nanosecond,
		AutoPauseConsecutiveErrors: 10,
	})

	g.RecordError("acc", ErrorPlatform, "500")
	g.RecordError("acc", ErrorPlatform, "500")
	g.RecordError("acc", ErrorPlatform, "500")
	if h := g.Health("acc"); h.Risk != "high" {
		t.Fatalf("Risk = %s, want high", h.Risk)
	}

	*now = now.Add(time.Minute)
	g.RecordSuccess("acc", "one")
	if h := g.Health("acc"); h.Risk != "medium" || h.ConsecutiveErrors != 0 {
		t.Fatalf("risk=%s errors=%d, want medium with reset errors", h.Risk, h.ConsecutiveErrors)
	}

	*now = now.Add(time.Minute)
	g.RecordSuccess("acc", "two")
	if h := g.Health("acc"); h.Risk != "low" {
		t.Fatalf("Risk = %s, want low", h.Risk)
	}
}

func TestResumeAccount(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(Config{
		AutoPauseHighRiskEvents: 1,
		CooldownAfterHighRisk:   2 * time.Hour,
	})

	g.RecordHighRiskEvent("acc", "challenge")
	if h := g.Health("acc"); !h.Paused {
		t.Fatal("account should be paused")
	}

	g.ResumeAccount("acc")
	h := g.Health("acc")
	if h.Paused || h.ConsecutiveErrors != 0 {
		t.Fatalf("paused=%v errors=%d, want resumed with errors cleared", h.Paused, h.ConsecutiveErrors)
	}
}

func TestHistoryRingsAreBounded(t *testing.T) {
	t.Parallel()
	// The action ring never shrinks below the window max, so the max here
	// matches the ring bound under test.
	g, now := newTestGuard(Config{
		RateLimitMaxActions:    5,
		DailyActionMax:         1000,
		MinDelayBetweenActions: time.Nanosecond,
		ActionHistorySize:      5,
		ContentHistorySize:     2,
	})

	contents := []string{
		"alpha update one", "bravo update two", "charlie update three",
		"delta update four", "echo update five", "foxtrot update six",
		"golf update seven", "hotel update eight",
	}
	for _, c := range contents {
		*now = now.Add(time.Minute)
		g.RecordSuccess("acc", c)
	}

	h := g.Health("acc")
	if h.RecentActions != 5 {
		t.Fatalf("RecentActions = %d, want 5", h.RecentActions)
	}
	if h.ContentHistory != 2 {
		t.Fatalf("ContentHistory = %d, want 2", h.ContentHistory)
	}

	// The oldest content fell out of the ring, so reposting it passes.
	if d := g.CheckDuplicateContent("acc", contents[0]); !d.Allowed {
		t.Fatalf("evicted content should be allowed again: %s", d.Message)
	}
	if d := g.CheckDuplicateContent("acc", contents[len(contents)-1]); d.Allowed {
		t.Fatal("most recent content should still be a duplicate")
	}
}

func TestSnapshotOrdering(t *testing.T) {
	t.Parallel()
	g, _ := newTestGuard(Config{})

	g.RecordSuccess("bravo", "")
	g.RecordSuccess("alpha", "")

	snap := g.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot len = %d, want 2", len(snap))
	}
	if snap[0].AccountID != "alpha" || snap[1].AccountID != "bravo" {
		t.Fatalf("Snapshot order = %s, %s; want alpha, bravo", snap[0].AccountID, snap[1].AccountID)
	}
}
