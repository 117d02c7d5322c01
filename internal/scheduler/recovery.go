package scheduler

import (
	"context"
	"errors"

	"nagbot/internal/reminder"
	"nagbot/internal/storage"
	logx "nagbot/pkg/logx"
)

type RecoveryReport struct {
	Checked   int // reminders inspected
	Kept      int // trigger already correct
	Rebuilt   int // missing trigger reconstructed
	Cancelled int // stray triggers removed
	Healed    int // inconsistent triggers replaced
}

func (r RecoveryReport) Changed() bool {
	return r.Rebuilt+r.Cancelled+r.Healed > 0
}

type verdict int

const (
	verdictNone verdict = iota
	verdictKept
	verdictRebuilt
	verdictCancelled
	verdictHealed
)

// Recover reconciles the trigger store with reminder state so that every
// ACTIVE reminder has exactly one correct trigger and nothing else has any.
// Running it twice yields the same triggers.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	var rems []reminder.Reminder
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		rems, err = tx.ListReminders(ctx, storage.ReminderFilter{})
		return err
	})
	if err != nil {
		return rep, reminder.Storage("recover", err)
	}

	for _, r := range rems {
		v, err := s.recoverOne(ctx, r.ID)
		if err != nil {
			return rep, err
		}
		rep.Checked++
		switch v {
		case verdictKept:
			rep.Kept++
		case verdictRebuilt:
			rep.Rebuilt++
		case verdictCancelled:
			rep.Cancelled++
		case verdictHealed:
			rep.Healed++
		}
	}

	orphans, err := s.cancelOrphans(ctx)
	if err != nil {
		return rep, err
	}
	rep.Cancelled += orphans

	lvl := s.log.Debug
	if rep.Changed() {
		lvl = s.log.Info
	}
	lvl("recovery finished",
		logx.Int("checked", rep.Checked),
		logx.Int("kept", rep.Kept),
		logx.Int("rebuilt", rep.Rebuilt),
		logx.Int("cancelled", rep.Cancelled),
		logx.Int("healed", rep.Healed),
	)
	return rep, nil
}

// Reconcile is Recover for a running scheduler; it also wakes the loop when
// anything moved.
func (s *Service) Reconcile(ctx context.Context) (RecoveryReport, error) {
	rep, err := s.Recover(ctx)
	if err == nil && rep.Changed() {
		s.Notify()
	}
	return rep, err
}

func (s *Service) recoverOne(ctx context.Context, id int64) (verdict, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	v := verdictNone
	err := s.transition(ctx, func(tx storage.Tx) ([]Effect, error) {
		v = verdictNone
		rem, err := tx.GetReminder(ctx, id)
		if err != nil {
			return nil, err
		}
		ts, err := tx.TriggersFor(ctx, id)
		if err != nil {
			return nil, err
		}
		if rem.Status != reminder.StatusActive {
			if len(ts) > 0 {
				v = verdictCancelled
				return []Effect{cancelAll(id)}, nil
			}
			return nil, nil
		}
		hist, err := loadHistory(ctx, tx, rem.Occurrence())
		if err != nil {
			return nil, err
		}
		switch {
		case len(ts) == 1:
			cerr := s.m.Consistent(rem, hist, ts[0])
			if cerr == nil {
				v = verdictKept
				return nil, nil
			}
			s.log.Error("schedule inconsistent, healing", logx.Int64("reminder", id), logx.Err(cerr))
			v = verdictHealed
		case len(ts) > 1:
			s.log.Error("schedule inconsistent, healing", logx.Int64("reminder", id),
				logx.Err(&reminder.ScheduleConsistencyError{ReminderID: id, Detail: "multiple pending triggers"}))
			v = verdictHealed
		default:
			v = verdictRebuilt
		}
		return append([]Effect{cancelAll(id)}, s.m.Rebuild(rem, hist, s.now())...), nil
	})
	return v, err
}

// cancelOrphans drops triggers whose reminder row is gone.
func (s *Service) cancelOrphans(ctx context.Context) (int, error) {
	n := 0
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		ts, err := tx.ListTriggers(ctx)
		if err != nil {
			return err
		}
		for _, t := range ts {
			_, err := tx.GetReminder(ctx, t.ReminderID)
			if errors.Is(err, reminder.ErrNotFound) {
				if err := tx.Cancel(ctx, t.Key); err != nil {
					return err
				}
				n++
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
