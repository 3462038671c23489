package scheduler

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/job"
	"postpilot/internal/observability"
	"postpilot/internal/safety"
	logx "postpilot/pkg/logx"
)

// Executor runs one job to completion against the injected action callback,
// consulting the safety guard before and after.
type Executor struct {
	table *jobTable
	guard *safety.Guard
	exec  ExecuteFunc
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus

	// now is swappable for tests.
	now func() time.Time
}

func newExecutor(table *jobTable, guard *safety.Guard, exec ExecuteFunc, cfg Config, log logx.Logger, bus eventbus.Bus) *Executor {
	return &Executor{
		table: table,
		guard: guard,
		exec:  exec,
		cfg:   cfg,
		log:   log,
		bus:   bus,
		now:   time.Now,
	}
}

// Run executes the job with the given ID. It always leaves the job in exactly
// one of COMPLETED, FAILED, or SCHEDULED; nothing escapes as a panic.
func (e *Executor) Run(ctx context.Context, jobID string) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("executor panicked; failing job",
				logx.String("job", jobID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			outcome = e.fail(ctx, jobID, safety.ErrorExecution, fmt.Sprintf("internal error: %v", r))
		}
	}()

	var (
		accountID string
		payload   job.Payload
		kind      job.Kind
		missing   bool
	)
	e.table.view(func(set job.Set) {
		j := set[jobID]
		if j == nil || j.Payload == nil {
			missing = true
			return
		}
		accountID = j.AccountID
		payload = j.Payload
		kind = j.Payload.Kind()
	})
	if missing {
		e.log.Warn("dispatched job vanished", logx.String("job", jobID))
		return OutcomeMissing
	}

	// Safety pre-check. Post jobs are checked with their content; engagement
	// jobs go through the same gate with no text, so the duplicate check is
	// skipped but pause, rate, quota, and spacing still apply.
	content := job.Content(payload)
	if d := e.guard.CanAct(accountID, content); !d.Allowed {
		return e.applyDenial(ctx, jobID, kind, d)
	}

	// Transition to RUNNING and persist before touching the platform, so a
	// crash mid-execution is visible as a reclaimable RUNNING job.
	start := e.now()
	e.table.update(ctx, func(set job.Set) {
		j := set[jobID]
		if j == nil {
			missing = true
			return
		}
		t := start
		j.Status = job.StatusRunning
		j.StartedAt = &t
		j.StatusMessage = "executing"
	})
	if missing {
		return OutcomeMissing
	}
	observability.RunningJobs.Set(1)
	defer observability.RunningJobs.Set(0)
	e.publish(eventbus.TypeJobStarted, jobID, accountID, kind, string(job.StatusRunning), "", "", 0)

	progress := func(msg string) {
		e.table.update(ctx, func(set job.Set) {
			if j := set[jobID]; j != nil {
				j.StatusMessage = msg
			}
		})
		e.publish(eventbus.TypeJobProgress, jobID, accountID, kind, string(job.StatusRunning), msg, "", 0)
	}

	res := e.invoke(ctx, accountID, payload, progress)
	dur := e.now().Sub(start)
	observability.JobDuration.WithLabelValues(string(kind)).Observe(dur.Seconds())

	if res.Success {
		// Persist the completion eagerly so it survives a crash; the final
		// unconditional save below is a second, independent write.
		now := e.now()
		e.table.update(ctx, func(set job.Set) {
			j := set[jobID]
			if j == nil {
				return
			}
			t := now
			j.Status = job.StatusCompleted
			j.CompletedAt = &t
			j.ResultID = res.ResultID
			j.Error = ""
			j.StatusMessage = "completed"
		})
		e.guard.RecordSuccess(accountID, content)
		observability.JobsProcessed.WithLabelValues(string(kind), "completed").Inc()
		e.publish(eventbus.TypeJobCompleted, jobID, accountID, kind, string(job.StatusCompleted), "", res.ResultID, 0)
		e.log.Info("job completed",
			logx.String("job", jobID), logx.String("account", accountID),
			logx.String("kind", string(kind)), logx.Duration("dur", dur))
		outcome = OutcomeCompleted
	} else {
		msg := res.Error
		if msg == "" {
			msg = "action callback reported failure"
		}
		outcome = e.fail(ctx, jobID, safety.ErrorExecution, msg)
	}

	// Final consistent write regardless of which branch executed.
	e.table.update(ctx, func(job.Set) {})
	return outcome
}

// invoke calls the action callback, converting panics into failed results so
// one bad callback can never kill the loop.
func (e *Executor) invoke(ctx context.Context, accountID string, p job.Payload, progress func(string)) (res ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("action callback panicked",
				logx.String("account", accountID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = ExecutionResult{Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return e.exec(ctx, accountID, p, progress)
}

// applyDenial handles a safety-guard denial. Transient denials (pause, rate
// limit, quota, spacing) carry a RetryAfter and reschedule the job to the
// guard's own cooldown without consuming a retry. Duplicate-content denials
// are terminal: resubmitting the same content would never pass.
func (e *Executor) applyDenial(ctx context.Context, jobID string, kind job.Kind, d safety.Decision) Outcome {
	now := e.now()
	var (
		accountID string
		out       Outcome
	)
	e.table.update(ctx, func(set job.Set) {
		j := set[jobID]
		if j == nil {
			out = OutcomeMissing
			return
		}
		accountID = j.AccountID
		if d.RetryAfter > 0 {
			j.Status = job.StatusScheduled
			j.ScheduledAt = now.Add(d.RetryAfter)
			j.StatusMessage = fmt.Sprintf("deferred by safety guard: %s", d.Message)
			out = OutcomeDenied
			return
		}
		t := now
		j.Status = job.StatusFailed
		j.CompletedAt = &t
		j.Error = fmt.Sprintf("blocked by safety guard: %s", d.Message)
		j.StatusMessage = j.Error
		observability.JobsProcessed.WithLabelValues(string(kind), "failed").Inc()
		out = OutcomeFailed
	})
	if out == OutcomeMissing {
		return out
	}
	e.publish(eventbus.TypeJobDenied, jobID, accountID, kind, string(d.Reason), d.Message, "", 0)
	e.log.Warn("job denied by safety guard",
		logx.String("job", jobID), logx.String("account", accountID),
		logx.String("reason", string(d.Reason)), logx.Duration("retry_after", d.RetryAfter))
	return out
}

// fail applies the failure branch: retry with exponential backoff while
// retries remain, terminal FAILED otherwise. The guard records the error
// either way and may escalate risk or pause the account.
func (e *Executor) fail(ctx context.Context, jobID string, kind safety.ErrorKind, msg string) Outcome {
	now := e.now()
	var (
		accountID string
		jkind     job.Kind
		attempt   int
		out       = OutcomeMissing
	)
	e.table.update(ctx, func(set job.Set) {
		j := set[jobID]
		if j == nil {
			return
		}
		accountID = j.AccountID
		if j.Payload != nil {
			jkind = j.Payload.Kind()
		}
		if j.RetryCount < j.MaxRetries {
			j.RetryCount++
			attempt = j.RetryCount
			backoff := retryBackoff(e.cfg.RetryBackoffBase, j.RetryCount)
			j.Status = job.StatusScheduled
			j.ScheduledAt = now.Add(backoff)
			j.Error = msg
			j.StatusMessage = fmt.Sprintf("retry %d/%d in %s", j.RetryCount, j.MaxRetries, backoff)
			out = OutcomeRescheduled
			return
		}
		t := now
		j.Status = job.StatusFailed
		j.CompletedAt = &t
		j.Error = msg
		j.StatusMessage = "failed"
		attempt = j.RetryCount
		out = OutcomeFailed
	})
	if out == OutcomeMissing {
		return out
	}

	e.guard.RecordError(accountID, kind, msg)
	switch out {
	case OutcomeRescheduled:
		observability.JobsRetried.Inc()
		e.publish(eventbus.TypeJobRetried, jobID, accountID, jkind, string(job.StatusScheduled), msg, "", attempt)
		e.log.Warn("job failed; retry scheduled",
			logx.String("job", jobID), logx.String("account", accountID),
			logx.Int("attempt", attempt), logx.String("err", msg))
	case OutcomeFailed:
		observability.JobsProcessed.WithLabelValues(string(jkind), "failed").Inc()
		e.publish(eventbus.TypeJobFailed, jobID, accountID, jkind, string(job.StatusFailed), msg, "", attempt)
		e.log.Error("job failed permanently",
			logx.String("job", jobID), logx.String("account", accountID),
			logx.Int("retries", attempt), logx.String("err", msg))
	}
	return out
}

func (e *Executor) publish(typ, jobID, accountID string, kind job.Kind, status, msg, resultID string, attempt int) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: JobEvent{
		JobID:     jobID,
		AccountID: accountID,
		Kind:      string(kind),
		Status:    status,
		Message:   msg,
		ResultID:  resultID,
		Attempt:   attempt,
	}})
}

// retryBackoff computes base^retry minutes.
func retryBackoff(base float64, retry int) time.Duration {
	if base < 1 {
		base = 2
	}
	return time.Duration(math.Pow(base, float64(retry))) * time.Minute
}
