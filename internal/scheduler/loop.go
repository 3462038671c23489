package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/job"
	"postpilot/internal/observability"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/safety"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

var (
	ErrStopped     = errors.New("scheduler stopped")
	ErrJobNotFound = errors.New("job not found")
	ErrJobTerminal = errors.New("job already finished")
)

// Service is the scheduler control loop.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	table *jobTable
	guard *safety.Guard
	execu *Executor
	rules *Recurrence

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// Single-flight state: at most one job runs across the whole scheduler.
	inFlight   atomic.Bool
	inFlightID atomic.Value // string

	// holdUntil delays the next dispatch after a completion when another job
	// for the same account is already waiting (inter-job spacing).
	holdUntil atomic.Int64 // unix nanos

	lastReload atomic.Int64 // unix nanos

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, st store.Store, guard *safety.Guard, exec ExecuteFunc, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	table := newJobTable(st, log)
	s := &Service{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		table: table,
		guard: guard,
		execu: newExecutor(table, guard, exec, cfg, log, bus),
		rules: NewRecurrence(),
		now:   time.Now,
	}
	s.inFlightID.Store("")
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Rules exposes the recurrence rule set (for the API layer).
func (s *Service) Rules() *Recurrence { return s.rules }

// Guard exposes the shared safety guard (for the API layer's status surface).
func (s *Service) Guard() *safety.Guard { return s.guard }

// Start loads the job set and starts the control loop. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return nil
	}
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}

	if err := s.table.load(ctx); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("loading job set: %w", err)
	}
	s.lastReload.Store(s.now().UnixNano())

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("loop", func(c context.Context) error {
		return s.run(c, stopCh)
	})

	s.log.Info("scheduler started",
		logx.Duration("reload_every", s.cfg.ReloadInterval),
		logx.Duration("max_execution", s.cfg.MaxJobExecution))
	return nil
}

// Stop cancels the loop and waits for the in-flight job (if any) to settle.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Enqueue adds a job produced by an external caller and persists at once.
func (s *Service) Enqueue(ctx context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return errors.New("job with ID is required")
	}
	if j.Payload == nil {
		return errors.New("job payload is required")
	}
	var dup bool
	s.table.update(ctx, func(set job.Set) {
		if _, exists := set[j.ID]; exists {
			dup = true
			return
		}
		set[j.ID] = j
	})
	if dup {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	s.log.Info("job enqueued",
		logx.String("job", j.ID), logx.String("account", j.AccountID),
		logx.String("priority", j.Priority.String()), logx.Time("scheduled", j.ScheduledAt))
	return nil
}

// TriggerNow reschedules a waiting job to dispatch immediately.
func (s *Service) TriggerNow(ctx context.Context, jobID string) error {
	now := s.now()
	err := ErrJobNotFound
	s.table.updateIf(ctx, func(set job.Set) bool {
		j := set[jobID]
		if j == nil {
			return false
		}
		if j.Status != job.StatusPending && j.Status != job.StatusScheduled {
			err = ErrJobTerminal
			return false
		}
		j.ScheduledAt = now
		j.Status = job.StatusPending
		err = nil
		return true
	})
	return err
}

// AddRule registers a recurrence rule.
func (s *Service) AddRule(rule Rule) error {
	return s.rules.AddRule(rule, s.now())
}

// Snapshot returns a diagnostics view.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:  enabled,
		ByStatus: map[string]int{},
		LastSave: s.table.lastSave(),
		Rules:    s.rules.Len(),
	}
	if last := s.lastReload.Load(); last > 0 {
		snap.LastReload = time.Unix(0, last)
	}
	s.table.view(func(set job.Set) {
		snap.Jobs = len(set)
		for _, j := range set {
			snap.ByStatus[string(j.Status)]++
		}
	})
	if s.inFlight.Load() {
		if id, ok := s.inFlightID.Load().(string); ok {
			snap.RunningJob = id
		}
	}
	return snap
}

// run is one lifetime of the control loop: iterate, sleep, repeat until
// canceled. On cancellation the current state is persisted before exit.
func (s *Service) run(ctx context.Context, stopCh <-chan struct{}) error {
	defer func() {
		// Persist whatever is in memory so in-flight status survives restarts.
		s.table.update(context.Background(), func(job.Set) {})
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return context.Canceled
		default:
		}

		sleep := s.iterate(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

// iterate performs one loop pass and returns how long to sleep before the next.
func (s *Service) iterate(ctx context.Context) time.Duration {
	now := s.now()

	s.sweepExpired(ctx, now)
	s.reclaimStuck(ctx, now)

	// Single-flight: never dispatch while a job is executing.
	if s.inFlight.Load() {
		return s.cfg.RunningPoll
	}

	// Inter-job spacing after a completion for a busy account.
	if hold := s.holdUntil.Load(); hold > 0 && now.UnixNano() < hold {
		d := time.Duration(hold - now.UnixNano())
		if d > s.cfg.TickInterval {
			d = s.cfg.TickInterval
		}
		return d
	}

	s.maybeReload(ctx, now)
	s.mintRecurring(ctx, now)

	var (
		readyID      string
		readyAccount string
		waiting      bool
	)
	s.table.view(func(set job.Set) {
		ready := set.Ready(now)
		if len(ready) > 0 {
			readyID = ready[0].ID
			readyAccount = ready[0].AccountID
			return
		}
		for _, j := range set {
			if j.Status == job.StatusPending || j.Status == job.StatusScheduled {
				waiting = true
				return
			}
		}
	})

	if readyID == "" {
		if waiting {
			return s.cfg.BusySleep
		}
		return s.cfg.IdleSleep
	}

	if ctx.Err() != nil {
		return s.cfg.TickInterval
	}
	s.dispatch(ctx, readyID, readyAccount)
	return s.cfg.TickInterval
}

// dispatch hands one job to the executor on a supervised goroutine.
func (s *Service) dispatch(ctx context.Context, jobID, accountID string) {
	_ = ctx
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return
	}

	s.inFlight.Store(true)
	s.inFlightID.Store(jobID)

	sup.Go0("executor", func(c context.Context) {
		// Deferred so a panic in the bookkeeping below cannot leave the
		// single-flight flag set forever.
		defer func() {
			s.inFlightID.Store("")
			s.inFlight.Store(false)
		}()

		outcome := s.execu.Run(c, jobID)

		// If the account has more work queued, respect a safety-derived delay
		// before the next dispatch even though the loop is the sole actor.
		if outcome == OutcomeCompleted {
			delay := time.Duration(s.cfg.InterJobDelayFactor) * s.cfg.MinDelayBetweenActions
			var more bool
			s.table.view(func(set job.Set) {
				for _, j := range set {
					if j.AccountID == accountID && (j.Status == job.StatusPending || j.Status == job.StatusScheduled) {
						more = true
						return
					}
				}
			})
			if more {
				s.holdUntil.Store(s.now().Add(delay).UnixNano())
			}
		}
	})
}

// sweepExpired transitions PENDING/SCHEDULED jobs whose scheduled time passed
// the grace deadline to EXPIRED. History is kept, never purged.
func (s *Service) sweepExpired(ctx context.Context, now time.Time) {
	type expired struct {
		id, account string
		kind        job.Kind
	}
	var swept []expired
	s.table.updateIf(ctx, func(set job.Set) bool {
		for _, j := range set {
			if j.Status != job.StatusPending && j.Status != job.StatusScheduled {
				continue
			}
			if now.Sub(j.ScheduledAt) <= s.cfg.ExpiryGrace {
				continue
			}
			t := now
			j.Status = job.StatusExpired
			j.CompletedAt = &t
			j.StatusMessage = "expired before dispatch"
			var k job.Kind
			if j.Payload != nil {
				k = j.Payload.Kind()
			}
			swept = append(swept, expired{id: j.ID, account: j.AccountID, kind: k})
		}
		return len(swept) > 0
	})
	for _, e := range swept {
		observability.JobsProcessed.WithLabelValues(string(e.kind), "expired").Inc()
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobExpired, Data: JobEvent{
				JobID: e.id, AccountID: e.account, Kind: string(e.kind), Status: string(job.StatusExpired),
			}})
		}
		s.log.Warn("job expired", logx.String("job", e.id), logx.String("account", e.account))
	}
}

// reclaimStuck treats jobs left RUNNING past the execution deadline as
// failures (same retry/backoff branch as an execution error), covering
// process-crash recovery. The locally in-flight job is never reclaimed:
// it is alive, not orphaned.
func (s *Service) reclaimStuck(ctx context.Context, now time.Time) {
	current, _ := s.inFlightID.Load().(string)

	var stuck []string
	s.table.view(func(set job.Set) {
		for _, j := range set {
			if j.Status != job.StatusRunning || j.ID == current {
				continue
			}
			if j.StartedAt == nil || now.Sub(*j.StartedAt) > s.cfg.MaxJobExecution {
				stuck = append(stuck, j.ID)
			}
		}
	})
	for _, id := range stuck {
		s.log.Warn("reclaiming stuck job", logx.String("job", id))
		s.execu.fail(ctx, id, safety.ErrorTimeout,
			fmt.Sprintf("execution exceeded %s; job reclaimed", s.cfg.MaxJobExecution))
	}
}

// maybeReload re-reads the store on the reload interval to pick up externally
// added jobs, unless the loop itself saved very recently (a stale read racing
// a just-written completion would clobber it).
func (s *Service) maybeReload(ctx context.Context, now time.Time) {
	if last := s.lastReload.Load(); last > 0 && now.Sub(time.Unix(0, last)) < s.cfg.ReloadInterval {
		return
	}
	if last := s.table.lastSave(); !last.IsZero() && now.Sub(last) < s.cfg.ReloadGrace {
		return
	}
	if err := s.table.load(ctx); err != nil {
		s.log.Warn("job reload failed", logx.Any("err", err))
		return
	}
	s.lastReload.Store(now.UnixNano())
}

// mintRecurring creates concrete jobs from due recurrence rules.
func (s *Service) mintRecurring(ctx context.Context, now time.Time) {
	minted := s.rules.due(now)
	if len(minted) == 0 {
		return
	}
	s.table.update(ctx, func(set job.Set) {
		for _, j := range minted {
			set[j.ID] = j
		}
	})
	for _, j := range minted {
		s.log.Info("recurring job minted",
			logx.String("job", j.ID), logx.String("rule", j.RuleID), logx.String("account", j.AccountID))
	}
}
