package scheduler

import (
	"context"
	"testing"
	"time"

	"postpilot/internal/job"
	"postpilot/internal/safety"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

func testService(t *testing.T, exec ExecuteFunc, safetyCfg safety.Config) (*Service, *time.Time) {
	t.Helper()
	if safetyCfg.RateLimitMaxActions == 0 {
		safetyCfg.RateLimitMaxActions = 1000
	}
	if safetyCfg.DailyActionMax == 0 {
		safetyCfg.DailyActionMax = 1000
	}
	if safetyCfg.MinDelayBetweenActions == 0 {
		safetyCfg.MinDelayBetweenActions = time.Nanosecond
	}
	guard := safety.NewGuard(safetyCfg, logx.Nop(), nil)
	s := New(Config{Enabled: true}, store.NewMemory(), guard, exec, logx.Nop(), nil)

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	cur := &now
	s.now = func() time.Time { return *cur }
	s.execu.now = s.now
	return s, cur
}

func addJob(t *testing.T, s *Service, j *job.Job) {
	t.Helper()
	if err := s.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func getJob(s *Service, id string) *job.Job {
	var out *job.Job
	s.table.view(func(set job.Set) {
		if j := set[id]; j != nil {
			out = j.Clone()
		}
	})
	return out
}

func TestExecutorCompletesJob(t *testing.T) {
	t.Parallel()
	exec := func(ctx context.Context, accountID string, p job.Payload, progress func(string)) ExecutionResult {
		progress("posting")
		return ExecutionResult{Success: true, ResultID: "post-123"}
	}
	s, now := testService(t, exec, safety.Config{})

	j := job.New("acc", job.PostPayload{Content: "hello world"}, job.PriorityNormal, time.Time{})
	addJob(t, s, j)

	if out := s.execu.Run(context.Background(), j.ID); out != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", out)
	}

	got := getJob(s, j.ID)
	if got.Status != job.StatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", got.Status)
	}
	if got.ResultID != "post-123" {
		t.Fatalf("ResultID = %q, want post-123", got.ResultID)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(*now) {
		t.Fatalf("CompletedAt = %v, want %v", got.CompletedAt, *now)
	}
	if got.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, want 0", got.RetryCount)
	}
}

func TestExecutorRetryBackoff(t *testing.T) {
	t.Parallel()
	exec := func(ctx context.Context, accountID string, p job.Payload, progress func(string)) ExecutionResult {
		return ExecutionResult{Error: "platform 500"}
	}
	s, now := testService(t, exec, safety.Config{AutoPauseConsecutiveErrors: 100})

	j := job.New("acc", job.PostPayload{Content: "hello"}, job.PriorityNormal, time.Time{})
	addJob(t, s, j)

	// backoff is base^retry minutes with the default base of 2.
	wantBackoffs := []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, want := range wantBackoffs {
		if out := s.execu.Run(context.Background(), j.ID); out != OutcomeRescheduled {
			t.Fatalf("attempt %d: outcome = %v, want rescheduled", i+1, out)
		}
		got := getJob(s, j.ID)
		if got.Status != job.StatusScheduled {
			t.Fatalf("attempt %d: Status = %s, want SCHEDULED", i+1, got.Status)
		}
		if got.RetryCount != i+1 {
			t.Fatalf("attempt %d: RetryCount = %d, want %d", i+1, got.RetryCount, i+1)
		}
		if wantAt := now.Add(want); !got.ScheduledAt.Equal(wantAt) {
			t.Fatalf("attempt %d: ScheduledAt = %v, want %v", i+1, got.ScheduledAt, wantAt)
		}
		// Make the job ready again for the next attempt.
		*now = got.ScheduledAt
	}

	// Retries exhausted: the fourth failure is terminal.
	if out := s.execu.Run(context.Background(), j.ID); out != OutcomeFailed {
		t.Fatalf("final outcome = %v, want failed", out)
	}
	got := getJob(s, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("Status = %s, want FAILED", got.Status)
	}
	if got.RetryCount != 3 {
		t.Fatalf("RetryCount = %d, want 3", got.RetryCount)
	}
	if got.Error != "platform 500" {
		t.Fatalf("Error = %q", got.Error)
	}
	if got.CompletedAt == nil {
		t.Fatal("terminal failure must set CompletedAt")
	}
}

func TestExecutorNeverLeavesRunning(t *testing.T) {
	t.Parallel()
	exec := func(ctx context.Context, accountID string, p job.Payload, progress func(string)) ExecutionResult {
		panic("callback exploded")
	}
	s, _ := testService(t, exec, safety.Config{AutoPauseConsecutiveErrors: 100})

	j := job.New("acc", job.PostPayload{Content: "boom"}, job.PriorityNormal, time.Time{})
	addJob(t, s, j)

	out := s.execu.Run(context.Background(), j.ID)
	if out != OutcomeRescheduled {
		t.Fatalf("outcome = %v, want rescheduled", out)
	}
	got := getJob(s, j.ID)
	if got.Status == job.StatusRunning {
		t.Fatal("job left in RUNNING after a callback panic")
	}
	if got.Status != job.StatusScheduled {
		t.Fatalf("Status = %s, want SCHEDULED", got.Status)
	}
}

func TestExecutorTransientDenialKeepsRetries(t *testing.T) {
	t.Parallel()
	exec := func(ctx context.Context, accountID string, p job.Payload, progress func(string)) ExecutionResult {
		t.Fatal("callback must not run for a denied job")
		return ExecutionResult{}
	}
	s, now := testService(t, exec, safety.Config{MinDelayBetweenActions: 30 * time.Second})

	// A fresh success makes the next action violate spacing.
	s.guard.RecordSuccess("acc", "")

	j := job.New("acc", job.PostPayload{Content: "spaced out"}, job.PriorityNormal, time.Time{})
	addJob(t, s, j)

	if out := s.execu.Run(context.Background(), j.ID); out != OutcomeDenied {
		t.Fatalf("outcome = %v, want denied", out)
	}
	got := getJob(s, j.ID)
	if got.Status != job.StatusScheduled {
		t.Fatalf("Status = %s, want SCHEDULED", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, a safety deferral must not consume a retry", got.RetryCount)
	}
	// Rescheduled to the guard's own cooldown: just under the 30s spacing gap.
	wait := got.ScheduledAt.Sub(*now)
	if wait <= 29*time.Second || wait > 30*time.Second {
		t.Fatalf("deferred by %s, want just under 30s", wait)
	}
}

func TestExecutorDuplicateDenialIsTerminal(t *testing.T) {
	t.Parallel()
	exec := func(ctx context.Context, accountID string, p job.Payload, progress func(string)) ExecutionResult {
		t.Fatal("callback must not run for a denied job")
		return ExecutionResult{}
	}
	s, now := testService(t, exec, safety.Config{})

	s.guard.RecordSuccess("acc", "promo content for launch day")
	*now = now.Add(time.Hour)

	j := job.New("acc", job.PostPayload{Content: "promo content for launch day"}, job.PriorityNormal, time.Time{})
	addJob(t, s, j)

	if out := s.execu.Run(context.Background(), j.ID); out != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", out)
	}
	got := getJob(s, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("Status = %s, want FAILED", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, want 0", got.RetryCount)
	}
}

func TestExecutorEngagementSkipsDuplicateCheck(t *testing.T) {
	t.Parallel()
	exec := func(ctx context.Context, accountID string, p job.Payload, progress func(string)) ExecutionResult {
		return ExecutionResult{Success: true, ResultID: "like-1"}
	}
	s, now := testService(t, exec, safety.Config{})

	// A prior post recorded content; a like carries none, so dedup is moot.
	s.guard.RecordSuccess("acc", "some post text")
	*now = now.Add(time.Hour)

	j := job.New("acc", job.LikePayload{Criteria: job.Criteria{Hashtag: "golang", MaxItems: 3}}, job.PriorityHigh, time.Time{})
	addJob(t, s, j)

	if out := s.execu.Run(context.Background(), j.ID); out != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", out)
	}
}

func TestRetryBackoffTable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		base  float64
		retry int
		want  time.Duration
	}{
		{base: 2, retry: 1, want: 2 * time.Minute},
		{base: 2, retry: 2, want: 4 * time.Minute},
		{base: 2, retry: 3, want: 8 * time.Minute},
		{base: 3, retry: 2, want: 9 * time.Minute},
		{base: 0, retry: 2, want: 4 * time.Minute}, // invalid base falls back to 2
	}
	for _, tt := range tests {
		if got := retryBackoff(tt.base, tt.retry); got != tt.want {
			t.Fatalf("retryBackoff(%v, %d) = %s, want %s", tt.base, tt.retry, got, tt.want)
		}
	}
}
