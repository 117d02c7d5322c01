package reminder

import (
	"fmt"
	"strconv"
	"time"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusDeleted   Status = "DELETED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusCompleted, StatusDeleted:
		return true
	}
	return false
}

// CanTransition reports whether a reminder may move from s to next.
// SUSPENDED returns to ACTIVE only through an explicit reactivation.
func (s Status) CanTransition(next Status, explicit bool) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusActive:
		return next == StatusSuspended || next == StatusCompleted || next == StatusDeleted
	case StatusSuspended:
		return next == StatusDeleted || (next == StatusActive && explicit)
	case StatusCompleted:
		return next == StatusDeleted
	}
	return false
}

// Reminder is a stored reminder definition.
//
// DueAt is the due timestamp of the current (or next) occurrence and
// identifies it together with ID.
type Reminder struct {
	ID           int64
	OwnerID      int64
	ChatID       int64
	Text         string
	Hour         int
	Minute       int
	IntervalDays int
	Status       Status
	MaxAttempts  int
	CreatedAt    time.Time
	LastAckAt    *time.Time
	DueAt        time.Time
}

func (r Reminder) TimeOfDay() TimeOfDay { return TimeOfDay{Hour: r.Hour, Minute: r.Minute} }

func (r Reminder) Recurring() bool { return r.IntervalDays > 0 }

func (r Reminder) Occurrence() OccurrenceRef {
	return OccurrenceRef{ReminderID: r.ID, DueAt: r.DueAt}
}

// TimeOfDay is a wall-clock time in the reference timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// OccurrenceRef identifies one due instance of a reminder.
type OccurrenceRef struct {
	ReminderID int64
	DueAt      time.Time
}

func (o OccurrenceRef) String() string {
	return strconv.FormatInt(o.ReminderID, 10) + "@" + strconv.FormatInt(o.DueAt.Unix(), 10)
}

// Same compares at second precision, which is what callbacks and storage keep.
func (o OccurrenceRef) Same(other OccurrenceRef) bool {
	return o.ReminderID == other.ReminderID && o.DueAt.Unix() == other.DueAt.Unix()
}

type Outcome string

const (
	OutcomeSent         Outcome = "SENT"
	OutcomeAcknowledged Outcome = "ACKNOWLEDGED"
	OutcomeSnoozed      Outcome = "SNOOZED"
	OutcomeFailed       Outcome = "FAILED"
)

// Attempt is one delivered (or failed) notification for an occurrence.
type Attempt struct {
	ReminderID   int64
	OccurrenceAt time.Time
	Seq          int
	SentAt       time.Time
	Outcome      Outcome
	Handle       string
	ResolvedAt   *time.Time
}

// Pending reports whether the attempt still awaits a user action.
func (a Attempt) Pending() bool { return a.ResolvedAt == nil && a.Outcome == OutcomeSent }

func (a Attempt) Occurrence() OccurrenceRef {
	return OccurrenceRef{ReminderID: a.ReminderID, DueAt: a.OccurrenceAt}
}

type TriggerKind string

const (
	KindInitialDue      TriggerKind = "INITIAL_DUE"
	KindEscalationRetry TriggerKind = "ESCALATION_RETRY"
)

// Trigger is a durable "fire at" entry. Seq is the attempt number it produces.
type Trigger struct {
	Key          string
	ReminderID   int64
	Kind         TriggerKind
	FireAt       time.Time
	OccurrenceAt time.Time
	Seq          int
}

func (t Trigger) Occurrence() OccurrenceRef {
	return OccurrenceRef{ReminderID: t.ReminderID, DueAt: t.OccurrenceAt}
}

// TriggerKey is unique per (reminder, kind, cycle).
func TriggerKey(reminderID int64, kind TriggerKind, occurrenceAt time.Time, seq int) string {
	return fmt.Sprintf("%d:%s:%d:%d", reminderID, kind, occurrenceAt.Unix(), seq)
}

// NewTrigger builds a trigger with its deterministic key.
func NewTrigger(reminderID int64, kind TriggerKind, occurrenceAt, fireAt time.Time, seq int) Trigger {
	return Trigger{
		Key:          TriggerKey(reminderID, kind, occurrenceAt, seq),
		ReminderID:   reminderID,
		Kind:         kind,
		FireAt:       fireAt,
		OccurrenceAt: occurrenceAt,
		Seq:          seq,
	}
}
