package scheduler

import (
	"context"
	"time"

	"nagbot/internal/eventbus"
	"nagbot/internal/reminder"
	"nagbot/internal/storage"
	logx "nagbot/pkg/logx"
)

// NewReminder is a reminder definition as typed by a user. ChatID 0 means
// the owner's private chat.
type NewReminder = reminder.Draft

// Entry pairs a reminder with its derived scheduling state.
type Entry struct {
	Reminder reminder.Reminder
	State    State
}

func (s *Service) CreateReminder(ctx context.Context, in NewReminder) (int64, error) {
	text, tod, err := in.Validate()
	if err != nil {
		return 0, err
	}
	chatID := in.ChatID
	if chatID == 0 {
		chatID = in.OwnerID
	}
	now := s.now()
	rem := reminder.Reminder{
		OwnerID:      in.OwnerID,
		ChatID:       chatID,
		Text:         text,
		Hour:         tod.Hour,
		Minute:       tod.Minute,
		IntervalDays: in.IntervalDays,
		Status:       reminder.StatusActive,
		MaxAttempts:  s.cfg.Policy.MaxAttempts,
		CreatedAt:    now,
		DueAt:        s.cfg.Calendar.FirstDue(now, tod),
	}
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		id, err := tx.InsertReminder(ctx, rem)
		if err != nil {
			return err
		}
		rem.ID = id
		return tx.Replace(ctx, initialTrigger(rem, rem.DueAt))
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("reminder created",
		logx.Int64("reminder", rem.ID),
		logx.Int64("owner", rem.OwnerID),
		logx.String("time", tod.String()),
		logx.Int("interval_days", rem.IntervalDays),
		logx.Time("due", rem.DueAt),
	)
	s.publish(eventbus.ReminderCreated, rem.ID)
	s.Notify()
	return rem.ID, nil
}

// ListActiveReminders returns the owner's ACTIVE reminders by next due time.
func (s *Service) ListActiveReminders(ctx context.Context, ownerID int64) ([]reminder.Reminder, error) {
	var out []reminder.Reminder
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListReminders(ctx, storage.ReminderFilter{OwnerID: ownerID, Statuses: []reminder.Status{reminder.StatusActive}})
		return err
	})
	return out, err
}

// Overview lists ACTIVE and SUSPENDED reminders of the owner with their state.
func (s *Service) Overview(ctx context.Context, ownerID int64) ([]Entry, error) {
	var out []Entry
	err := s.store.View(ctx, func(tx storage.Tx) error {
		rems, err := tx.ListReminders(ctx, storage.ReminderFilter{
			OwnerID:  ownerID,
			Statuses: []reminder.Status{reminder.StatusActive, reminder.StatusSuspended},
		})
		if err != nil {
			return err
		}
		for _, r := range rems {
			hist, err := loadHistory(ctx, tx, r.Occurrence())
			if err != nil {
				return err
			}
			ts, err := tx.TriggersFor(ctx, r.ID)
			if err != nil {
				return err
			}
			var trig *reminder.Trigger
			if len(ts) > 0 {
				trig = &ts[0]
			}
			out = append(out, Entry{Reminder: r, State: Derive(r, hist, trig)})
		}
		return nil
	})
	return out, err
}

func loadHistory(ctx context.Context, tx storage.Tx, occ reminder.OccurrenceRef) (History, error) {
	as, err := tx.ListAttempts(ctx, occ)
	if err != nil {
		return History{}, err
	}
	return HistoryOf(as), nil
}

// owned loads a reminder the requester may modify.
func owned(ctx context.Context, tx storage.Tx, id, requesterID int64) (reminder.Reminder, error) {
	rem, err := tx.GetReminder(ctx, id)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if rem.Status == reminder.StatusDeleted {
		return reminder.Reminder{}, &reminder.NotFoundError{ID: id}
	}
	if rem.OwnerID != requesterID {
		return reminder.Reminder{}, &reminder.ForbiddenError{ReminderID: id, RequesterID: requesterID}
	}
	return rem, nil
}

// DeleteReminder soft-deletes the reminder and cancels its trigger.
func (s *Service) DeleteReminder(ctx context.Context, reminderID, requesterID int64) error {
	unlock := s.locks.Lock(reminderID)
	defer unlock()
	err := s.transition(ctx, func(tx storage.Tx) ([]Effect, error) {
		rem, err := owned(ctx, tx, reminderID, requesterID)
		if err != nil {
			return nil, err
		}
		latest, ok, err := tx.LatestAttempt(ctx, reminderID)
		if err != nil {
			return nil, err
		}
		var hist History
		if ok {
			if hist, err = loadHistory(ctx, tx, latest.Occurrence()); err != nil {
				return nil, err
			}
		}
		return s.m.Delete(rem, hist)
	})
	if err != nil {
		return err
	}
	s.log.Info("reminder deleted", logx.Int64("reminder", reminderID), logx.Int64("by", requesterID))
	s.publish(eventbus.ReminderDeleted, reminderID)
	return nil
}

// Acknowledge marks the occurrence done. Recurring reminders move to their
// next cycle, one-time reminders complete.
func (s *Service) Acknowledge(ctx context.Context, occ reminder.OccurrenceRef, requesterID int64) (reminder.Outcome, error) {
	unlock := s.locks.Lock(occ.ReminderID)
	defer unlock()
	var out reminder.Outcome
	err := s.transition(ctx, func(tx storage.Tx) ([]Effect, error) {
		rem, err := tx.GetReminder(ctx, occ.ReminderID)
		if err != nil {
			return nil, err
		}
		if rem.OwnerID != requesterID && rem.Status != reminder.StatusDeleted {
			return nil, &reminder.ForbiddenError{ReminderID: rem.ID, RequesterID: requesterID}
		}
		hist, err := loadHistory(ctx, tx, occ)
		if err != nil {
			return nil, err
		}
		var effects []Effect
		out, effects, err = s.m.Acknowledge(rem, occ, hist, s.now())
		return effects, err
	})
	if err != nil {
		return "", err
	}
	s.log.Info("reminder acknowledged", logx.Int64("reminder", occ.ReminderID), logx.Time("occurrence", occ.DueAt))
	s.publish(eventbus.ReminderAcknowledged, occ.ReminderID)
	s.Notify()
	return out, nil
}

// Snooze defers the next attempt and returns when it fires.
func (s *Service) Snooze(ctx context.Context, occ reminder.OccurrenceRef, requesterID int64) (time.Time, error) {
	unlock := s.locks.Lock(occ.ReminderID)
	defer unlock()
	var at time.Time
	err := s.transition(ctx, func(tx storage.Tx) ([]Effect, error) {
		rem, err := owned(ctx, tx, occ.ReminderID, requesterID)
		if err != nil {
			return nil, err
		}
		hist, err := loadHistory(ctx, tx, occ)
		if err != nil {
			return nil, err
		}
		ts, err := tx.TriggersFor(ctx, rem.ID)
		if err != nil {
			return nil, err
		}
		var trig *reminder.Trigger
		if len(ts) > 0 {
			trig = &ts[0]
		}
		var effects []Effect
		at, effects, err = s.m.Snooze(rem, occ, hist, trig, s.now())
		return effects, err
	})
	if err != nil {
		return time.Time{}, err
	}
	s.log.Info("reminder snoozed", logx.Int64("reminder", occ.ReminderID), logx.Time("until", at))
	s.publish(eventbus.ReminderSnoozed, occ.ReminderID)
	s.Notify()
	return at, nil
}

// Reactivate resumes a suspended reminder at its next natural due time.
func (s *Service) Reactivate(ctx context.Context, reminderID, requesterID int64) (time.Time, error) {
	unlock := s.locks.Lock(reminderID)
	defer unlock()
	var due time.Time
	err := s.transition(ctx, func(tx storage.Tx) ([]Effect, error) {
		rem, err := owned(ctx, tx, reminderID, requesterID)
		if err != nil {
			return nil, err
		}
		effects, err := s.m.Reactivate(rem, s.now())
		if err != nil {
			return nil, err
		}
		for _, e := range effects {
			if e.Kind == EffSaveReminder {
				due = e.Reminder.DueAt
			}
		}
		return effects, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	s.log.Info("reminder reactivated", logx.Int64("reminder", reminderID), logx.Time("due", due))
	s.publish(eventbus.ReminderReactivated, reminderID)
	s.Notify()
	return due, nil
}

// Heal cancels every trigger of the reminder and rebuilds the one it should
// have from its history.
func (s *Service) Heal(ctx context.Context, reminderID int64) error {
	unlock := s.locks.Lock(reminderID)
	defer unlock()
	return s.healLocked(ctx, reminderID)
}

func (s *Service) healLocked(ctx context.Context, reminderID int64) error {
	err := s.transition(ctx, func(tx storage.Tx) ([]Effect, error) {
		if _, err := tx.CancelReminder(ctx, reminderID); err != nil {
			return nil, err
		}
		rem, err := tx.GetReminder(ctx, reminderID)
		if err != nil {
			return nil, err
		}
		hist, err := loadHistory(ctx, tx, rem.Occurrence())
		if err != nil {
			return nil, err
		}
		return s.m.Rebuild(rem, hist, s.now()), nil
	})
	if err != nil {
		s.log.Error("heal failed", logx.Int64("reminder", reminderID), logx.Err(err))
		return err
	}
	s.log.Warn("reminder schedule healed", logx.Int64("reminder", reminderID))
	s.publish(eventbus.ScheduleHealed, reminderID)
	return nil
}

// Prune drops resolved notification history older than retention.
func (s *Service) Prune(ctx context.Context, retention time.Duration) (int, error) {
	var n int
	before := s.now().Add(-retention)
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.PruneAttempts(ctx, before)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("history pruned", logx.Int("attempts", n), logx.Time("before", before))
	}
	return n, nil
}
