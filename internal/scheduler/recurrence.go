package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/job"
)

// Rule is a recurring job template: a cron spec (or "@every ...") that mints
// a concrete job each time it fires.
type Rule struct {
	ID        string
	Name      string
	AccountID string
	Spec      string
	Priority  job.Priority
	Payload   job.Payload
	Enabled   bool
}

type ruleState struct {
	rule  Rule
	sched cron.Schedule
	next  time.Time
	fired int
}

// RuleInfo is a diagnostics view of one rule.
type RuleInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Enabled bool      `json:"enabled"`
	Next    time.Time `json:"next,omitempty"`
	Fired   int       `json:"fired"`
}

// Recurrence holds the rule set. The loop calls due() each iteration.
type Recurrence struct {
	mu     sync.Mutex
	parser cron.Parser
	rules  map[string]*ruleState
}

func NewRecurrence() *Recurrence {
	return &Recurrence{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		rules:  map[string]*ruleState{},
	}
}

// AddRule validates the spec and registers (or replaces) the rule.
func (r *Recurrence) AddRule(rule Rule, now time.Time) error {
	if strings.TrimSpace(rule.ID) == "" {
		return errors.New("rule ID is required")
	}
	if rule.Payload == nil {
		return fmt.Errorf("rule %s: payload is required", rule.ID)
	}
	sched, err := r.parser.Parse(rule.Spec)
	if err != nil {
		return fmt.Errorf("rule %s: invalid spec %q: %w", rule.ID, rule.Spec, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.ID] = &ruleState{rule: rule, sched: sched, next: sched.Next(now)}
	return nil
}

func (r *Recurrence) RemoveRule(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, id)
}

func (r *Recurrence) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rules)
}

// due mints jobs for every enabled rule whose next fire time has arrived,
// and advances each fired rule past now.
func (r *Recurrence) due(now time.Time) []*job.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*job.Job
	for _, st := range r.rules {
		if !st.rule.Enabled || st.next.IsZero() || st.next.After(now) {
			continue
		}
		j := job.New(st.rule.AccountID, st.rule.Payload, st.rule.Priority, now)
		j.RuleID = st.rule.ID
		out = append(out, j)
		st.fired++
		st.next = st.sched.Next(now)
	}
	return out
}

// Rules returns diagnostics views of all rules.
func (r *Recurrence) Rules() []RuleInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RuleInfo, 0, len(r.rules))
	for _, st := range r.rules {
		out = append(out, RuleInfo{
			ID:      st.rule.ID,
			Name:    st.rule.Name,
			Spec:    st.rule.Spec,
			Enabled: st.rule.Enabled,
			Next:    st.next,
			Fired:   st.fired,
		})
	}
	return out
}
