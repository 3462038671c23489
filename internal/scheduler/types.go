package scheduler

import (
	"context"
	"time"

	"postpilot/internal/job"
)

// Config controls the scheduler loop and executor.
type Config struct {
	Enabled bool

	// TickInterval paces loop iterations when work may be imminent.
	TickInterval time.Duration
	// RunningPoll is the short sleep while a job is executing.
	RunningPoll time.Duration
	// BusySleep is used when jobs exist but none is ready yet.
	BusySleep time.Duration
	// IdleSleep is used when no pending or scheduled jobs remain.
	IdleSleep time.Duration

	// ReloadInterval is how often the loop re-reads the store to discover
	// externally added jobs. ReloadGrace suppresses a reload shortly after
	// the loop's own last save, so a stale read cannot clobber a
	// just-written completion.
	ReloadInterval time.Duration
	ReloadGrace    time.Duration

	// ExpiryGrace expires PENDING/SCHEDULED jobs whose scheduled time passed
	// this long ago without being dispatched.
	ExpiryGrace time.Duration

	// MaxJobExecution reclaims jobs left RUNNING past this deadline
	// (presumed abandoned by a crashed execution).
	MaxJobExecution time.Duration

	// RetryBackoffBase: retry delay is base^retry_count minutes.
	RetryBackoffBase float64

	// InterJobDelayFactor multiplies the guard's minimum action spacing to
	// derive the pause between consecutive jobs for the same account.
	InterJobDelayFactor int
	// MinDelayBetweenActions mirrors the guard setting; the loop uses it for
	// the inter-job delay so it respects spacing even as the sole actor.
	MinDelayBetweenActions time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.RunningPoll <= 0 {
		c.RunningPoll = 2 * time.Second
	}
	if c.BusySleep <= 0 {
		c.BusySleep = 5 * time.Second
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 30 * time.Second
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = 30 * time.Second
	}
	if c.ReloadGrace <= 0 {
		c.ReloadGrace = 2 * time.Second
	}
	if c.ExpiryGrace <= 0 {
		c.ExpiryGrace = 24 * time.Hour
	}
	if c.MaxJobExecution <= 0 {
		c.MaxJobExecution = 10 * time.Minute
	}
	if c.RetryBackoffBase < 1 {
		c.RetryBackoffBase = 2
	}
	if c.InterJobDelayFactor <= 0 {
		c.InterJobDelayFactor = 2
	}
	if c.MinDelayBetweenActions <= 0 {
		c.MinDelayBetweenActions = 30 * time.Second
	}
	return c
}

// ExecutionResult is what the injected action callback reports.
type ExecutionResult struct {
	Success  bool
	ResultID string
	Error    string
}

// ExecuteFunc performs one platform action (post, like, comment, follow).
// It is invoked once per dispatched job; internal retries are the callback's
// own concern. progress may be called zero or more times with human-readable
// status text; each call is persisted immediately for observability.
type ExecuteFunc func(ctx context.Context, accountID string, p job.Payload, progress func(string)) ExecutionResult

// Outcome summarizes what Run did with a job.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRescheduled
	OutcomeFailed
	OutcomeDenied
	OutcomeMissing
)

// JobEvent is the bus payload for job lifecycle events.
type JobEvent struct {
	JobID     string `json:"job_id"`
	AccountID string `json:"account_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	ResultID  string `json:"result_id,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
}

// Snapshot is a lightweight diagnostics view of the loop.
type Snapshot struct {
	Enabled    bool           `json:"enabled"`
	Jobs       int            `json:"jobs"`
	ByStatus   map[string]int `json:"by_status"`
	RunningJob string         `json:"running_job,omitempty"`
	LastSave   time.Time      `json:"last_save,omitempty"`
	LastReload time.Time      `json:"last_reload,omitempty"`
	Rules      int            `json:"rules"`
}
