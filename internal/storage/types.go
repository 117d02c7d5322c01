package storage

import (
	"context"
	"errors"
	"time"

	"nagbot/internal/reminder"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process only, lost on exit (tests, dry runs)
//   - "file": memory backend with a JSON snapshot at Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// ScheduleTolerance is how far in the past a trigger may fire before
	// Schedule flags it with InvalidScheduleError. 0 means DefaultTolerance.
	ScheduleTolerance time.Duration

	// Now is the clock used for the tolerance check. nil means time.Now.
	Now func() time.Time
}

const DefaultTolerance = time.Minute

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Config) tolerance() time.Duration {
	if c.ScheduleTolerance > 0 {
		return c.ScheduleTolerance
	}
	return DefaultTolerance
}

// ReminderFilter selects reminders. Zero values match everything.
type ReminderFilter struct {
	OwnerID  int64
	Statuses []reminder.Status
}

func (f ReminderFilter) match(r reminder.Reminder) bool {
	if f.OwnerID != 0 && r.OwnerID != f.OwnerID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// ReminderRepository is CRUD over reminder definitions. Rows are never
// physically deleted.
type ReminderRepository interface {
	InsertReminder(ctx context.Context, r reminder.Reminder) (int64, error)
	GetReminder(ctx context.Context, id int64) (reminder.Reminder, error)
	UpdateReminder(ctx context.Context, r reminder.Reminder) error
	// ListReminders is ordered by DueAt, then ID.
	ListReminders(ctx context.Context, f ReminderFilter) ([]reminder.Reminder, error)
}

// HistoryStore is the append-only attempt log per occurrence.
type HistoryStore interface {
	// AppendAttempt requires a.Seq == last+1 (or 1) for the occurrence and
	// resolves the previous pending attempt in the same transaction.
	AppendAttempt(ctx context.Context, a reminder.Attempt) error
	ResolveAttempt(ctx context.Context, occ reminder.OccurrenceRef, seq int, outcome reminder.Outcome, at time.Time) error
	LastAttempt(ctx context.Context, occ reminder.OccurrenceRef) (reminder.Attempt, bool, error)
	// LatestAttempt is the most recent attempt of any occurrence.
	LatestAttempt(ctx context.Context, reminderID int64) (reminder.Attempt, bool, error)
	ListAttempts(ctx context.Context, occ reminder.OccurrenceRef) ([]reminder.Attempt, error)
	// PruneAttempts drops fully resolved occurrences older than before,
	// except the current occurrence of an active reminder.
	PruneAttempts(ctx context.Context, before time.Time) (int, error)
}

// TriggerStore holds durable "fire at" entries, at most one per reminder.
type TriggerStore interface {
	// Schedule upserts by key. A trigger older than the tolerance window is
	// stored and reported with *reminder.InvalidScheduleError.
	Schedule(ctx context.Context, t reminder.Trigger) error
	// Replace cancels every trigger of t.ReminderID, then schedules t.
	Replace(ctx context.Context, t reminder.Trigger) error
	Cancel(ctx context.Context, key string) error
	CancelReminder(ctx context.Context, reminderID int64) (int, error)
	// PollDue returns entries with FireAt <= now ordered by FireAt, then Key.
	// Entries are not removed. limit <= 0 means no limit.
	PollDue(ctx context.Context, now time.Time, limit int) ([]reminder.Trigger, error)
	TriggersFor(ctx context.Context, reminderID int64) ([]reminder.Trigger, error)
	ListTriggers(ctx context.Context) ([]reminder.Trigger, error)
	CountTriggers(ctx context.Context) (int, error)
}

// Tx exposes all three collections inside one transaction.
type Tx interface {
	ReminderRepository
	HistoryStore
	TriggerStore
}

// Store runs transactions. Update commits only if fn returns nil.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// checkSchedule enforces the single-trigger rule before an upsert.
func checkSchedule(existing []reminder.Trigger, t reminder.Trigger) error {
	for _, e := range existing {
		if e.Key != t.Key {
			return &reminder.ScheduleConsistencyError{
				ReminderID: t.ReminderID,
				Detail:     "trigger " + e.Key + " already pending, refusing " + t.Key,
			}
		}
	}
	return nil
}

func validTrigger(t reminder.Trigger) error {
	if t.ReminderID == 0 || t.Key == "" || t.Seq < 1 || t.FireAt.IsZero() {
		return &reminder.ScheduleConsistencyError{ReminderID: t.ReminderID, Detail: "malformed trigger " + t.Key}
	}
	return nil
}

// lateFlag reports a stored trigger whose fire time is past the tolerance.
func (c Config) lateFlag(t reminder.Trigger) error {
	late := c.now().Sub(t.FireAt)
	if late > c.tolerance() {
		return &reminder.InvalidScheduleError{Key: t.Key, FireAt: t.FireAt, Late: late}
	}
	return nil
}

// checkAppend validates a new attempt against the last one of its occurrence.
func checkAppend(last reminder.Attempt, ok bool, a reminder.Attempt) error {
	want := 1
	if ok {
		want = last.Seq + 1
	}
	if a.Seq != want {
		return &reminder.ScheduleConsistencyError{
			ReminderID: a.ReminderID,
			Detail:     "attempt seq " + itoa(a.Seq) + " is not contiguous, want " + itoa(want),
		}
	}
	switch a.Outcome {
	case reminder.OutcomeSent, reminder.OutcomeFailed:
	default:
		return &reminder.ValidationError{Field: "outcome", Reason: "new attempts are SENT or FAILED"}
	}
	return nil
}
