package job

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
//
// Transitions (enforced by the executor and the scheduler loop):
//
//	PENDING/SCHEDULED -> RUNNING -> COMPLETED | SCHEDULED (retry) | FAILED
//	PENDING/SCHEDULED -> EXPIRED (expiry sweep)
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// Priority orders dispatch: higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Job is one unit of scheduled work against a platform account.
type Job struct {
	ID        string   `json:"id"`
	AccountID string   `json:"account_id"`
	Platform  string   `json:"platform,omitempty"`
	Priority  Priority `json:"priority"`
	Status    Status   `json:"status"`

	Payload Payload `json:"-"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	ResultID      string `json:"result_id,omitempty"`
	Error         string `json:"error,omitempty"`
	StatusMessage string `json:"status_message,omitempty"`

	// RuleID links the job to the recurrence rule that minted it (if any).
	RuleID string `json:"rule_id,omitempty"`
}

// New creates a job in PENDING (due now) or SCHEDULED (due later).
func New(accountID string, p Payload, priority Priority, scheduledAt time.Time) *Job {
	now := time.Now()
	st := StatusPending
	if scheduledAt.After(now) {
		st = StatusScheduled
	}
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	return &Job{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Priority:    priority,
		Status:      st,
		Payload:     p,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		MaxRetries:  3,
	}
}

// Ready reports whether the job may be dispatched at now.
func (j *Job) Ready(now time.Time) bool {
	if j == nil {
		return false
	}
	if j.Status != StatusPending && j.Status != StatusScheduled {
		return false
	}
	return !j.ScheduledAt.After(now)
}

// Clone returns a deep-enough copy for read-only snapshots.
// Payload values are immutable by convention, so they are shared.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

type jobJSON struct {
	ID        string   `json:"id"`
	AccountID string   `json:"account_id"`
	Platform  string   `json:"platform,omitempty"`
	Priority  Priority `json:"priority"`
	Status    Status   `json:"status"`

	Payload json.RawMessage `json:"payload"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	ResultID      string `json:"result_id,omitempty"`
	Error         string `json:"error,omitempty"`
	StatusMessage string `json:"status_message,omitempty"`
	RuleID        string `json:"rule_id,omitempty"`
}

func (j *Job) MarshalJSON() ([]byte, error) {
	pb, err := MarshalPayload(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	return json.Marshal(jobJSON{
		ID:            j.ID,
		AccountID:     j.AccountID,
		Platform:      j.Platform,
		Priority:      j.Priority,
		Status:        j.Status,
		Payload:       pb,
		ScheduledAt:   j.ScheduledAt,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		RetryCount:    j.RetryCount,
		MaxRetries:    j.MaxRetries,
		ResultID:      j.ResultID,
		Error:         j.Error,
		StatusMessage: j.StatusMessage,
		RuleID:        j.RuleID,
	})
}

func (j *Job) UnmarshalJSON(b []byte) error {
	var raw jobJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p, err := UnmarshalPayload(raw.Payload)
	if err != nil {
		return fmt.Errorf("job %s: %w", raw.ID, err)
	}
	*j = Job{
		ID:            raw.ID,
		AccountID:     raw.AccountID,
		Platform:      raw.Platform,
		Priority:      raw.Priority,
		Status:        raw.Status,
		Payload:       p,
		ScheduledAt:   raw.ScheduledAt,
		CreatedAt:     raw.CreatedAt,
		StartedAt:     raw.StartedAt,
		CompletedAt:   raw.CompletedAt,
		RetryCount:    raw.RetryCount,
		MaxRetries:    raw.MaxRetries,
		ResultID:      raw.ResultID,
		Error:         raw.Error,
		StatusMessage: raw.StatusMessage,
		RuleID:        raw.RuleID,
	}
	return nil
}

// Set is the in-memory job set, keyed by job ID.
type Set map[string]*Job

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id, j := range s {
		out[id] = j.Clone()
	}
	return out
}

// Ready returns the dispatchable jobs at now, ordered by priority descending
// then scheduled time ascending (oldest first). Ties break on ID for
// deterministic dispatch.
func (s Set) Ready(now time.Time) []*Job {
	var out []*Job
	for _, j := range s {
		if j.Ready(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.ID < b.ID
	})
	return out
}
