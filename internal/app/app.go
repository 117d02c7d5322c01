// Package app wires configuration, storage, the scheduler, delivery and the
// Telegram front end into one process and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"nagbot/internal/access"
	"nagbot/internal/bot"
	"nagbot/internal/config"
	"nagbot/internal/eventbus"
	rtsup "nagbot/internal/runtime/supervisor"
	"nagbot/internal/scheduler"
	"nagbot/internal/storage"
	"nagbot/internal/task/cron"
	"nagbot/internal/task/engine"
	kit "nagbot/internal/transport"
	telegram "nagbot/internal/transport/telegram/adapter"
	"nagbot/internal/transport/telegram/router"
	logx "nagbot/pkg/logx"
	"nagbot/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	set  settings

	sup  *rtsup.Supervisor
	sups *rtsup.Registry

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter *telegram.Adapter
	engine  *engine.Service
	sched   *scheduler.Service
	cron    *cron.Service
	gate    *access.Gate
	router  *router.Router
	sd      systemd.Notifier

	started time.Time
	updates chan kit.Update

	stopOnce sync.Once
}

func New(opts Options) (*App, error) {
	cfgm, cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	set, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
	ad, err := telegram.New(set.telegram, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(set.logging, ad)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	store, err := storage.Open(set.storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", set.storage.Driver))

	bus := eventbus.New()
	eng := engine.New(set.engine, log, bus)
	sched := scheduler.New(set.scheduler, store, ad, eng, log, bus)
	gate := access.New(set.access)

	a := &App{
		cfgm:    cfgm,
		set:     set,
		sups:    rtsup.NewRegistry(),
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		engine:  eng,
		sched:   sched,
		cron:    cron.New(set.cron, eng, log),
		gate:    gate,
		router:  router.New(ad, gate, log),
		sd:      systemd.New(set.systemd),
		updates: make(chan kit.Update, 256),
	}
	a.sups.Set("telegram.adapter", ad.Supervisor)
	a.sups.Set("telegram.router", a.router.Supervisor)
	a.sups.Set("task.engine", eng.Supervisor)
	a.sups.Set("scheduler", sched.Supervisor)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.sups.Set("app", func() *rtsup.Supervisor { return a.sup })
	run := a.sup.Context()

	tally := eventbus.NewTally(run, a.bus)
	a.logEvents()

	h := bot.New(bot.Deps{
		Reminders:   a.sched,
		Location:    a.set.scheduler.Calendar.Loc,
		Help:        a.router.HelpText,
		Engine:      a.engine.Snapshot,
		Breaker:     a.adapter.Breaker,
		Events:      tally,
		Supervisors: a.sups,
		Started:     a.started,
		Log:         a.log,
	})
	a.router.SetRegistry(h.Commands(), h.Callbacks())

	a.engine.Start(run)

	if err := a.adapter.Start(run, a.updates); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if err := a.router.PublishMenu(run); err != nil {
		a.log.Warn("command menu update failed", logx.Err(err))
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	if a.sd.WatchdogInterval() > 0 {
		a.sched.OnPoll(func() { _, _ = a.sd.Watchdog() })
	}
	rep, err := a.sched.Start(run)
	if err != nil {
		return fmt.Errorf("scheduler recovery: %w", err)
	}
	a.log.Info("schedule recovered",
		logx.Int("checked", rep.Checked),
		logx.Int("kept", rep.Kept),
		logx.Int("rebuilt", rep.Rebuilt),
		logx.Int("cancelled", rep.Cancelled),
		logx.Int("healed", rep.Healed),
	)

	if err := a.scheduleHousekeeping(); err != nil {
		return err
	}
	a.cron.Start(run)

	a.watchConfig()

	if ok, err := a.sd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		_, _ = a.sd.Status("serving")
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("tz", a.set.scheduler.Calendar.Loc.String()))
	return nil
}

func (a *App) scheduleHousekeeping() error {
	if s := a.set.pruneSchedule; s != "" {
		retention := a.set.historyRetention
		err := a.cron.AddSchedule("history.prune", s, time.Minute, func(ctx context.Context) error {
			_, err := a.sched.Prune(ctx, retention)
			return err
		})
		if err != nil {
			return fmt.Errorf("housekeeping.prune_schedule: %w", err)
		}
	}
	if s := a.set.reconcileSchedule; s != "" {
		err := a.cron.AddSchedule("schedule.reconcile", s, time.Minute, func(ctx context.Context) error {
			rep, err := a.sched.Reconcile(ctx)
			if err != nil {
				return err
			}
			if rep.Changed() {
				a.log.Warn("reconcile repaired schedule",
					logx.Int("rebuilt", rep.Rebuilt),
					logx.Int("cancelled", rep.Cancelled),
					logx.Int("healed", rep.Healed),
				)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("housekeeping.reconcile_schedule: %w", err)
		}
	}
	return nil
}

// logEvents mirrors bus events into the debug log.
func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if id, ok := e.Data.(int64); ok {
					fields = append(fields, logx.Int64("reminder", id))
				}
				a.log.Debug("event", fields...)
			}
		}
	})
}

func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

// applyConfig applies the hot-reloadable sections of next. Everything else
// is logged and waits for a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sum := config.Summarize(prev, next)
	if len(sum.Changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogging(next.Logging))
	if acc, err := mapAccess(next); err != nil {
		a.log.Warn("invalid access config; keeping previous", logx.Err(err))
	} else {
		a.gate.Apply(acc)
	}
	if len(sum.Restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(sum.Restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sum.Changed, ","))}, sum.Fields...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	// Stop taking new work first: cron, then the poll loop, so nothing new
	// reaches the engine while it drains.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("cron", time.Second, func(c context.Context) error { a.cron.Stop(c); return nil })
	step("scheduler", 2*time.Second, a.sched.Stop)
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.sup.Cancel()
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
