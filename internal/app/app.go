// Package app wires the postpilot components: config, logging, store, guard,
// scheduler, operator notify and metrics.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/eventbus"
	"postpilot/internal/notify"
	"postpilot/internal/observability"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/safety"
	"postpilot/internal/scheduler"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store store.Store

	guard   *safety.Guard
	sched   *scheduler.Service
	notif   *notify.Service
	metrics *observability.Service
}

// New builds the full component graph from the config file at cfgPath.
// exec is the platform action callback invoked for each job.
func New(cfgPath string, exec scheduler.ExecuteFunc) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logSvc, log := logx.New(mapLoggingConfig(cfg), bus)
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", sc.Driver))

	safetyCfg, err := mapSafetyConfig(cfg)
	if err != nil {
		return nil, err
	}
	guard := safety.NewGuard(safetyCfg, log.With(logx.String("comp", "safety")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, st, guard, exec, log.With(logx.String("comp", "scheduler")), bus)

	rules, err := mapRules(cfg)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if err := sched.AddRule(r); err != nil {
			return nil, fmt.Errorf("rules: %w", err)
		}
	}

	notif, err := notify.New(mapNotifyConfig(cfg), log.With(logx.String("comp", "notify")), bus)
	if err != nil {
		return nil, err
	}

	metrics := observability.New(mapMetricsConfig(cfg), log.With(logx.String("comp", "metrics")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   st,
		guard:   guard,
		sched:   sched,
		notif:   notif,
		metrics: metrics,
	}, nil
}

// Scheduler exposes the scheduler for API layers built on top of the core.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Guard exposes the safety guard for status surfaces.
func (a *App) Guard() *safety.Guard { return a.guard }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSafetyConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRules(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.metrics.Enabled() {
		if err := a.metrics.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	// Hot-reload fanout.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload applies what can change live (logging, rules) and warns about
// sections that need a restart (store, scheduler, safety, notify, metrics).
func (a *App) applyReload(oldCfg, newCfg *config.Config) {
	sections, attrs, ruleChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(newCfg))
		case "rules":
			a.applyRuleChanges(newCfg, ruleChanged)
		default:
			a.log.Warn("config section changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyRuleChanges(newCfg *config.Config, ruleChanged []string) {
	rules, err := mapRules(newCfg)
	if err != nil {
		// Validator rejects bad rules before publish, so this is unexpected.
		a.log.Warn("invalid rules config; keeping previous", logx.Any("err", err))
		return
	}
	present := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		present[r.ID] = struct{}{}
		if err := a.sched.AddRule(r); err != nil {
			a.log.Warn("rule rejected", logx.String("rule", r.ID), logx.Any("err", err))
		}
	}
	for _, info := range a.sched.Rules().Rules() {
		if _, ok := present[info.ID]; !ok {
			a.sched.Rules().RemoveRule(info.ID)
		}
	}
	a.log.Info("rules updated", logx.Any("changed", ruleChanged))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("metrics", 1*time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	step("store", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
