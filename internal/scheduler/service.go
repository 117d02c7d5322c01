// Package scheduler drives reminders through delivery, escalation and
// acknowledgment on top of the durable trigger store.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"nagbot/internal/escalation"
	"nagbot/internal/eventbus"
	"nagbot/internal/reminder"
	rtsup "nagbot/internal/runtime/supervisor"
	"nagbot/internal/storage"
	"nagbot/internal/task/engine"
	kit "nagbot/internal/transport"
	logx "nagbot/pkg/logx"
)

type Config struct {
	PollInterval    time.Duration // default 1s
	DeliveryTimeout time.Duration // default 5s
	BatchSize       int           // default 100

	BackoffBase time.Duration // default 500ms
	BackoffMax  time.Duration // default 30s

	SnoozeOffset time.Duration // default 5m
	Policy       escalation.Policy
	Calendar     reminder.Calendar

	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.SnoozeOffset <= 0 {
		c.SnoozeOffset = escalation.SnoozeOffset
	}
	if len(c.Policy.Delays) == 0 || c.Policy.MaxAttempts == 0 {
		c.Policy = escalation.Default()
	}
	if c.Calendar.Loc == nil {
		c.Calendar.Loc = time.UTC
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Executor runs fire tasks. *engine.Service satisfies it.
type Executor interface {
	Enqueue(t engine.Task) error
}

// Health is the operational snapshot served to health checks.
type Health struct {
	SchedulerRunning    bool
	PendingTriggerCount int
	LastPoll            time.Time
	LastError           string
	LastErrorAt         time.Time
	StoreOK             bool
}

type Service struct {
	cfg   Config
	m     Machine
	store storage.Store
	tr    kit.Deliverer
	exec  Executor
	log   logx.Logger
	bus   eventbus.Bus
	locks *keyLock
	wake  chan struct{}

	mu        sync.Mutex
	sup       *rtsup.Supervisor
	lastPoll  time.Time
	lastErr   string
	lastErrAt time.Time
	onPoll    func()
}

func New(cfg Config, store storage.Store, tr kit.Deliverer, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		m:     Machine{Policy: cfg.Policy, Calendar: cfg.Calendar, SnoozeOffset: cfg.SnoozeOffset},
		store: store,
		tr:    tr,
		exec:  exec,
		log:   log.With(logx.String("comp", "scheduler")),
		bus:   bus,
		locks: newKeyLock(),
		wake:  make(chan struct{}, 1),
	}
}

// OnPoll registers fn to run after every successful poll (systemd watchdog).
func (s *Service) OnPoll(fn func()) {
	s.mu.Lock()
	s.onPoll = fn
	s.mu.Unlock()
}

func (s *Service) now() time.Time { return s.cfg.Now().UTC() }

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

// Notify wakes the poll loop early.
func (s *Service) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs recovery once, then the poll loop.
func (s *Service) Start(ctx context.Context) (RecoveryReport, error) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return RecoveryReport{}, nil
	}
	s.mu.Unlock()

	rep, err := s.Recover(ctx)
	if err != nil {
		return rep, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("scheduler.poll", s.loop,
		rtsup.WithRestartBackoff(s.cfg.BackoffBase, s.cfg.BackoffMax),
		rtsup.WithStopOnCleanExit(true),
	)
	s.log.Info("scheduler started",
		logx.Duration("poll", s.cfg.PollInterval),
		logx.Int("max_attempts", s.cfg.Policy.MaxAttempts),
		logx.String("tz", s.cfg.Calendar.Loc.String()),
	)
	return rep, nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped")
	return err
}

// Supervisor returns the poll loop's supervisor (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil && s.sup.Context().Err() == nil
}

func (s *Service) loop(ctx context.Context) error {
	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		wait := s.cfg.PollInterval
		if _, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			wait = s.backoff(failures)
			s.log.Warn("poll failed", logx.Int("failures", failures), logx.Duration("retry_in", wait), logx.Err(err))
		} else {
			if failures > 0 {
				s.log.Info("poll recovered", logx.Int("failures", failures))
			}
			failures = 0
		}
		timer.Reset(wait)
	}
}

// backoff is BackoffBase doubled per consecutive failure, capped at BackoffMax.
func (s *Service) backoff(failures int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < failures && d < s.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	return d
}

func (s *Service) noteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		return
	}
	s.lastErr = err.Error()
	s.lastErrAt = s.now()
}

// Tick polls due triggers once and submits them in fire order. Triggers that
// cannot be submitted stay in the store for the next tick.
func (s *Service) Tick(ctx context.Context) (int, error) {
	now := s.now()
	var due []reminder.Trigger
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		due, err = tx.PollDue(ctx, now, s.cfg.BatchSize)
		return err
	})
	if err != nil {
		err = reminder.Storage("poll", err)
		s.noteErr(err)
		return 0, err
	}

	s.mu.Lock()
	s.lastPoll = now
	onPoll := s.onPoll
	s.mu.Unlock()
	if onPoll != nil {
		onPoll()
	}

	submitted := 0
	for _, t := range due {
		t := t
		err := s.exec.Enqueue(engine.Task{
			Name:    "reminder.fire",
			Key:     "reminder:" + strconv.FormatInt(t.ReminderID, 10),
			Timeout: s.cfg.DeliveryTimeout + 10*time.Second,
			Run: func(ctx context.Context) error {
				if err := s.fire(ctx, t); err != nil {
					return engine.NoRetry(err)
				}
				return nil
			},
		})
		switch {
		case err == nil:
			submitted++
		case errors.Is(err, engine.ErrKeyBusy):
			s.log.Debug("reminder busy, trigger left for next tick", logx.Int64("reminder", t.ReminderID), logx.String("key", t.Key))
		case errors.Is(err, engine.ErrQueueFull):
			s.log.Warn("task queue full, deferring due triggers", logx.Int("remaining", len(due)-submitted))
			return submitted, nil
		default:
			s.log.Warn("submit fire failed", logx.Int64("reminder", t.ReminderID), logx.Err(err))
			return submitted, nil
		}
	}
	return submitted, nil
}

// fire runs one due trigger through the state machine.
func (s *Service) fire(ctx context.Context, due reminder.Trigger) error {
	unlock := s.locks.Lock(due.ReminderID)
	defer unlock()

	var (
		rem  reminder.Reminder
		plan Plan
		live bool
	)
	now := s.now()
	err := s.store.View(ctx, func(tx storage.Tx) error {
		ts, err := tx.TriggersFor(ctx, due.ReminderID)
		if err != nil {
			return err
		}
		var cur *reminder.Trigger
		for i := range ts {
			if ts[i].Key == due.Key {
				cur = &ts[i]
			}
		}
		if cur == nil || cur.FireAt.After(now) {
			return nil
		}
		live = true
		rem, err = tx.GetReminder(ctx, due.ReminderID)
		if errors.Is(err, reminder.ErrNotFound) {
			plan = Plan{Action: PlanSkip, Reason: "reminder missing", Effects: []Effect{{Kind: EffCancelKey, Key: due.Key}}}
			return nil
		}
		if err != nil {
			return err
		}
		hist, err := loadHistory(ctx, tx, cur.Occurrence())
		if err != nil {
			return err
		}
		plan = s.m.PlanFire(rem, *cur, hist)
		return nil
	})
	if err != nil {
		err = reminder.Storage("load trigger", err)
		s.noteErr(err)
		return err
	}
	if !live {
		return nil
	}
	if plan.Err != nil {
		s.log.Error("schedule inconsistent, healing", logx.Int64("reminder", due.ReminderID), logx.Err(plan.Err))
		return s.healLocked(ctx, due.ReminderID)
	}

	log := s.log.With(logx.Int64("reminder", due.ReminderID), logx.String("key", due.Key))
	switch plan.Action {
	case PlanSkip:
		log.Debug("trigger skipped", logx.String("reason", plan.Reason))
		return s.commit(ctx, plan.Effects)
	case PlanSuspend:
		log.Warn("reminder suspended", logx.String("reason", plan.Reason), logx.Int("attempt", plan.Seq))
		s.publish(eventbus.ReminderSuspended, rem.ID)
		return s.commit(ctx, plan.Effects)
	}

	res := s.deliver(ctx, rem, plan)
	if res.Err != nil {
		log.Warn("delivery failed", logx.Int("attempt", plan.Seq), logx.Err(res.Err))
		s.publish(eventbus.ReminderDeliveryFailed, rem.ID)
	} else {
		log.Info("reminder delivered", logx.Int("attempt", plan.Seq), logx.Int("max", plan.Max))
		s.publish(eventbus.ReminderDelivered, rem.ID)
	}
	effects := s.m.AfterDelivery(rem, plan, res, s.now())
	if escalation.ShouldSuspend(plan.Seq, plan.Max) {
		log.Warn("reminder suspended", logx.String("reason", "escalation exhausted"), logx.Int("attempts", plan.Seq))
		s.publish(eventbus.ReminderSuspended, rem.ID)
	}
	return s.commit(ctx, effects)
}

func (s *Service) deliver(ctx context.Context, rem reminder.Reminder, p Plan) DeliveryResult {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()
	handle, err := s.tr.Deliver(dctx, notification(rem, p.Occurrence, p.Seq, p.Max))
	if err == nil {
		return DeliveryResult{Handle: handle}
	}
	var de *reminder.DeliveryError
	if !errors.As(err, &de) {
		de = &reminder.DeliveryError{Op: "deliver", Err: err}
	}
	if errors.Is(dctx.Err(), context.DeadlineExceeded) && !errors.Is(de, context.DeadlineExceeded) {
		de = &reminder.DeliveryError{Op: "deliver", Err: context.DeadlineExceeded}
	}
	return DeliveryResult{Err: de, RetryAfter: de.RetryAfter}
}

// commit applies the store effects in one transaction, then runs transport
// effects.
func (s *Service) commit(ctx context.Context, effects []Effect) error {
	if err := s.store.Update(ctx, func(tx storage.Tx) error { return s.apply(ctx, tx, effects) }); err != nil {
		s.noteErr(err)
		return err
	}
	s.external(ctx, effects)
	return nil
}

// transition loads state and computes effects inside one transaction.
func (s *Service) transition(ctx context.Context, fn func(tx storage.Tx) ([]Effect, error)) error {
	var effects []Effect
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		effects, err = fn(tx)
		if err != nil {
			return err
		}
		return s.apply(ctx, tx, effects)
	})
	if err != nil {
		if errors.Is(err, reminder.ErrStorage) {
			s.noteErr(err)
		}
		return err
	}
	s.external(ctx, effects)
	return nil
}

func (s *Service) apply(ctx context.Context, tx storage.Tx, effects []Effect) error {
	for _, e := range effects {
		var err error
		switch e.Kind {
		case EffAppendAttempt:
			err = tx.AppendAttempt(ctx, e.Attempt)
		case EffResolveAttempt:
			err = tx.ResolveAttempt(ctx, e.Occurrence, e.Seq, e.Outcome, e.At)
		case EffSaveReminder:
			err = tx.UpdateReminder(ctx, e.Reminder)
		case EffReplaceTrigger:
			err = tx.Replace(ctx, e.Trigger)
			if errors.Is(err, reminder.ErrInvalidSchedule) {
				s.log.Debug("catch-up trigger stored", logx.String("key", e.Trigger.Key), logx.Err(err))
				err = nil
			}
		case EffCancelTriggers:
			_, err = tx.CancelReminder(ctx, e.ReminderID)
		case EffCancelKey:
			err = tx.Cancel(ctx, e.Key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) external(ctx context.Context, effects []Effect) {
	for _, e := range effects {
		if !e.Kind.external() {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
		var err error
		switch e.Kind {
		case EffRetract:
			err = s.tr.Retract(cctx, e.Handle)
		case EffEdit:
			err = s.tr.Edit(cctx, e.Handle, e.Text)
		case EffSend:
			err = s.tr.Send(cctx, e.ChatID, e.Text)
		}
		cancel()
		if err != nil {
			s.log.Debug("transport side effect failed", logx.Int("kind", int(e.Kind)), logx.String("handle", e.Handle), logx.Err(err))
		}
	}
}

// GetHealth never fails; store problems show up as StoreOK=false.
func (s *Service) GetHealth(ctx context.Context) Health {
	h := Health{SchedulerRunning: s.Running()}
	s.mu.Lock()
	h.LastPoll, h.LastError, h.LastErrorAt = s.lastPoll, s.lastErr, s.lastErrAt
	s.mu.Unlock()

	if err := s.store.Ping(ctx); err != nil {
		h.LastError, h.LastErrorAt = err.Error(), s.now()
		return h
	}
	h.StoreOK = true
	_ = s.store.View(ctx, func(tx storage.Tx) error {
		n, err := tx.CountTriggers(ctx)
		if err != nil {
			h.StoreOK = false
			return err
		}
		h.PendingTriggerCount = n
		return nil
	})
	return h
}
