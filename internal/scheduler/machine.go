package scheduler

import (
	"fmt"
	"time"

	"nagbot/internal/escalation"
	"nagbot/internal/reminder"
)

// Phase is the scheduling state of one reminder, layered over its status.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingAck
	PhaseSuspended
	PhaseCompleted
	PhaseDeleted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseAwaitingAck:
		return "AWAITING_ACK"
	case PhaseSuspended:
		return "SUSPENDED"
	case PhaseCompleted:
		return "COMPLETED"
	case PhaseDeleted:
		return "DELETED"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// State is the derived view of a reminder. Occurrence and Attempt are set in
// AWAITING_ACK, DueAt in IDLE, RetryAt whenever a trigger is pending.
type State struct {
	Phase      Phase
	DueAt      time.Time
	Occurrence reminder.OccurrenceRef
	Attempt    int
	RetryAt    time.Time
}

// History summarizes the attempt log of one occurrence. Last is the newest
// attempt. Shown is the newest attempt that left a message in the chat; FAILED
// attempts never do, so Shown may be older than Last.
type History struct {
	Last     reminder.Attempt
	HasLast  bool
	Shown    reminder.Attempt
	HasShown bool
	Acked    bool
}

// HistoryOf builds the summary from attempts ordered by seq.
func HistoryOf(as []reminder.Attempt) History {
	var h History
	for _, a := range as {
		h.Last, h.HasLast = a, true
		if a.Handle != "" {
			h.Shown, h.HasShown = a, true
		}
		if a.Outcome == reminder.OutcomeAcknowledged {
			h.Acked = true
		}
	}
	return h
}

// Derive computes the state from the current occurrence's history; trig may
// be nil.
func Derive(rem reminder.Reminder, h History, trig *reminder.Trigger) State {
	switch rem.Status {
	case reminder.StatusSuspended:
		return State{Phase: PhaseSuspended}
	case reminder.StatusCompleted:
		return State{Phase: PhaseCompleted}
	case reminder.StatusDeleted:
		return State{Phase: PhaseDeleted}
	}
	st := State{Phase: PhaseIdle, DueAt: rem.DueAt}
	if h.HasLast && !h.Acked {
		st = State{Phase: PhaseAwaitingAck, Occurrence: rem.Occurrence(), Attempt: h.Last.Seq}
	}
	if trig != nil {
		st.RetryAt = trig.FireAt
	}
	return st
}

type EffectKind int

const (
	// Store effects, applied inside one transaction.
	EffAppendAttempt EffectKind = iota
	EffResolveAttempt
	EffSaveReminder
	EffReplaceTrigger
	EffCancelTriggers
	EffCancelKey

	// Transport effects, run after commit. Best-effort.
	EffRetract
	EffEdit
	EffSend
)

func (k EffectKind) external() bool { return k >= EffRetract }

// Effect is one side effect a transition asks the service to perform.
// Only the fields relevant to Kind are set.
type Effect struct {
	Kind       EffectKind
	Attempt    reminder.Attempt
	Occurrence reminder.OccurrenceRef
	Seq        int
	Outcome    reminder.Outcome
	At         time.Time
	Reminder   reminder.Reminder
	Trigger    reminder.Trigger
	Key        string
	ReminderID int64
	Handle     string
	ChatID     int64
	Text       string
}

type PlanAction int

const (
	PlanSkip PlanAction = iota
	PlanDeliver
	PlanSuspend
)

// Plan is the outcome of a trigger fire before delivery.
type Plan struct {
	Action     PlanAction
	Reason     string
	Occurrence reminder.OccurrenceRef
	Seq        int
	Max        int
	Previous   string // handle of the message still shown for the occurrence
	Effects    []Effect
	Err        error // *reminder.ScheduleConsistencyError
}

// DeliveryResult is what the transport returned for a planned delivery.
type DeliveryResult struct {
	Handle     string
	Err        error
	RetryAfter time.Duration
}

// Machine holds the pure transition rules.
type Machine struct {
	Policy       escalation.Policy
	Calendar     reminder.Calendar
	SnoozeOffset time.Duration
}

func (m Machine) snooze() time.Duration {
	if m.SnoozeOffset > 0 {
		return m.SnoozeOffset
	}
	return escalation.SnoozeOffset
}

func cancelAll(id int64) Effect { return Effect{Kind: EffCancelTriggers, ReminderID: id} }

func save(r reminder.Reminder) Effect { return Effect{Kind: EffSaveReminder, Reminder: r} }

func replace(t reminder.Trigger) Effect { return Effect{Kind: EffReplaceTrigger, Trigger: t} }

func initialTrigger(r reminder.Reminder, fireAt time.Time) reminder.Trigger {
	return reminder.NewTrigger(r.ID, reminder.KindInitialDue, r.DueAt, fireAt, 1)
}

func (m Machine) suspend(rem reminder.Reminder, limit int) []Effect {
	next := rem
	next.Status = reminder.StatusSuspended
	return []Effect{
		save(next),
		cancelAll(rem.ID),
		{Kind: EffSend, ChatID: rem.ChatID, Text: finalWarning(rem, limit)},
	}
}

// expectedSeq is the seq the next attempt of the occurrence must carry.
func expectedSeq(last reminder.Attempt, hasLast bool) int {
	if hasLast {
		return last.Seq + 1
	}
	return 1
}

// Consistent reports whether trig is the one trigger rem should have.
func (m Machine) Consistent(rem reminder.Reminder, h History, trig reminder.Trigger) error {
	fail := func(format string, args ...any) error {
		return &reminder.ScheduleConsistencyError{ReminderID: rem.ID, Detail: fmt.Sprintf(format, args...)}
	}
	if !trig.Occurrence().Same(rem.Occurrence()) {
		return fail("trigger %s targets occurrence %s, current is %s", trig.Key, trig.Occurrence(), rem.Occurrence())
	}
	if h.Acked {
		return fail("trigger %s pending for an acknowledged occurrence", trig.Key)
	}
	want := expectedSeq(h.Last, h.HasLast)
	if trig.Seq != want {
		return fail("trigger %s seq %d, want %d", trig.Key, trig.Seq, want)
	}
	if wantKind := kindFor(want); trig.Kind != wantKind {
		return fail("trigger %s kind %s, want %s", trig.Key, trig.Kind, wantKind)
	}
	return nil
}

func kindFor(seq int) reminder.TriggerKind {
	if seq == 1 {
		return reminder.KindInitialDue
	}
	return reminder.KindEscalationRetry
}

// PlanFire decides what a due trigger does. h is the history of the
// trigger's occurrence.
func (m Machine) PlanFire(rem reminder.Reminder, trig reminder.Trigger, h History) Plan {
	if rem.Status != reminder.StatusActive {
		return Plan{Action: PlanSkip, Reason: "reminder " + string(rem.Status), Effects: []Effect{cancelAll(rem.ID)}}
	}
	if h.Acked && trig.Occurrence().Same(rem.Occurrence()) {
		return Plan{Action: PlanSkip, Reason: "already acknowledged", Effects: []Effect{cancelAll(rem.ID)}}
	}
	if err := m.Consistent(rem, h, trig); err != nil {
		return Plan{Action: PlanSkip, Reason: "inconsistent", Err: err}
	}
	limit := m.Policy.Limit(rem.MaxAttempts)
	p := Plan{Occurrence: rem.Occurrence(), Seq: trig.Seq, Max: limit}
	if h.HasShown {
		p.Previous = h.Shown.Handle
	}
	if trig.Seq > limit {
		p.Action = PlanSuspend
		p.Reason = "attempt ceiling reached"
		p.Effects = m.suspend(rem, limit)
		return p
	}
	p.Action = PlanDeliver
	return p
}

// AfterDelivery records the attempt and either suspends or schedules the
// next retry. A failed delivery counts as an unanswered attempt.
func (m Machine) AfterDelivery(rem reminder.Reminder, p Plan, res DeliveryResult, now time.Time) []Effect {
	a := reminder.Attempt{
		ReminderID:   rem.ID,
		OccurrenceAt: p.Occurrence.DueAt,
		Seq:          p.Seq,
		SentAt:       now,
		Outcome:      reminder.OutcomeSent,
		Handle:       res.Handle,
	}
	if res.Err != nil {
		a.Outcome = reminder.OutcomeFailed
		a.Handle = ""
	}
	effects := []Effect{{Kind: EffAppendAttempt, Attempt: a}}
	if res.Err == nil && p.Previous != "" && p.Previous != res.Handle {
		effects = append(effects, Effect{Kind: EffRetract, Handle: p.Previous})
	}
	if escalation.ShouldSuspend(p.Seq, p.Max) {
		return append(effects, m.suspend(rem, p.Max)...)
	}
	delay := m.Policy.DelayFor(p.Seq + 1)
	if res.RetryAfter > delay {
		delay = res.RetryAfter
	}
	next := reminder.NewTrigger(rem.ID, reminder.KindEscalationRetry, p.Occurrence.DueAt, now.Add(delay), p.Seq+1)
	return append(effects, replace(next))
}

// nextCycle moves a recurring reminder to its next occurrence: interval days
// after the current due time, or later if that has already passed.
func (m Machine) nextCycle(rem reminder.Reminder, now time.Time) reminder.Reminder {
	next := rem
	tod := rem.TimeOfDay()
	next.DueAt = m.Calendar.NextDue(rem.DueAt, rem.IntervalDays, tod)
	if !next.DueAt.After(now) {
		next.DueAt = m.Calendar.NextDueAfter(rem.DueAt, rem.IntervalDays, tod, now)
	}
	return next
}

func (m Machine) advance(rem reminder.Reminder, now time.Time) []Effect {
	if !rem.Recurring() {
		next := rem
		next.Status = reminder.StatusCompleted
		return []Effect{save(next), cancelAll(rem.ID)}
	}
	next := m.nextCycle(rem, now)
	return []Effect{save(next), replace(initialTrigger(next, next.DueAt))}
}

func staleOccurrence(occ reminder.OccurrenceRef) error {
	return &reminder.NotFoundError{What: "occurrence of reminder", ID: occ.ReminderID}
}

// Acknowledge resolves the current occurrence through the attempt whose
// message is shown; FAILED attempts keep their outcome. Acknowledging twice is
// a no-op.
func (m Machine) Acknowledge(rem reminder.Reminder, occ reminder.OccurrenceRef, h History, now time.Time) (reminder.Outcome, []Effect, error) {
	if rem.Status == reminder.StatusDeleted {
		return "", nil, &reminder.NotFoundError{ID: rem.ID}
	}
	if h.Acked {
		return reminder.OutcomeAcknowledged, nil, nil
	}
	if rem.Status != reminder.StatusActive || !occ.Same(rem.Occurrence()) || !h.HasShown {
		return "", nil, staleOccurrence(occ)
	}
	ackAt := now
	acked := rem
	acked.LastAckAt = &ackAt
	effects := []Effect{{Kind: EffResolveAttempt, Occurrence: rem.Occurrence(), Seq: h.Shown.Seq, Outcome: reminder.OutcomeAcknowledged, At: now}}
	effects = append(effects, m.advance(acked, now)...)
	effects = append(effects, Effect{Kind: EffEdit, Handle: h.Shown.Handle, Text: completedText(rem, now, m.Calendar.Loc)})
	return reminder.OutcomeAcknowledged, effects, nil
}

// Snooze defers the next attempt by the snooze offset without starting a new
// cycle. The outcome lands on the attempt whose message is shown; the attempt
// counter still advances past Last. Snoozing a message that is already
// snoozed returns the pending retry time.
func (m Machine) Snooze(rem reminder.Reminder, occ reminder.OccurrenceRef, h History, trig *reminder.Trigger, now time.Time) (time.Time, []Effect, error) {
	if rem.Status == reminder.StatusDeleted {
		return time.Time{}, nil, &reminder.NotFoundError{ID: rem.ID}
	}
	if rem.Status != reminder.StatusActive || !occ.Same(rem.Occurrence()) || !h.HasShown || h.Acked {
		return time.Time{}, nil, staleOccurrence(occ)
	}
	if h.Shown.Outcome == reminder.OutcomeSnoozed && trig != nil && trig.Seq == h.Last.Seq+1 {
		return trig.FireAt, nil, nil
	}
	at := now.Add(m.snooze())
	return at, []Effect{
		{Kind: EffResolveAttempt, Occurrence: rem.Occurrence(), Seq: h.Shown.Seq, Outcome: reminder.OutcomeSnoozed, At: now},
		replace(reminder.NewTrigger(rem.ID, reminder.KindEscalationRetry, rem.DueAt, at, h.Last.Seq+1)),
		{Kind: EffEdit, Handle: h.Shown.Handle, Text: snoozedText(rem, m.snooze())},
	}, nil
}

// Reactivate returns a suspended reminder to ACTIVE at its next natural due
// time after now.
func (m Machine) Reactivate(rem reminder.Reminder, now time.Time) ([]Effect, error) {
	switch rem.Status {
	case reminder.StatusDeleted:
		return nil, &reminder.NotFoundError{ID: rem.ID}
	case reminder.StatusSuspended:
	default:
		return nil, &reminder.ValidationError{Field: "status", Reason: "reminder is " + string(rem.Status) + ", not SUSPENDED"}
	}
	if !rem.Status.CanTransition(reminder.StatusActive, true) {
		return nil, &reminder.ValidationError{Field: "status", Reason: "cannot reactivate"}
	}
	next := rem
	next.Status = reminder.StatusActive
	next.DueAt = m.Calendar.NextDueAfter(rem.DueAt, rem.IntervalDays, rem.TimeOfDay(), now)
	if m.Policy.MaxAttempts >= escalation.MinMaxAttempts {
		next.MaxAttempts = m.Policy.MaxAttempts
	}
	return []Effect{save(next), replace(initialTrigger(next, next.DueAt))}, nil
}

// Delete soft-deletes rem. h is the history of its most recent occurrence
// with attempts.
func (m Machine) Delete(rem reminder.Reminder, h History) ([]Effect, error) {
	if rem.Status == reminder.StatusDeleted {
		return nil, &reminder.NotFoundError{ID: rem.ID}
	}
	next := rem
	next.Status = reminder.StatusDeleted
	effects := []Effect{save(next), cancelAll(rem.ID)}
	if h.HasShown && !h.Acked {
		effects = append(effects, Effect{Kind: EffRetract, Handle: h.Shown.Handle})
	}
	return effects, nil
}

// Rebuild derives the one trigger an active reminder should have from its
// history. Used by recovery and self-healing.
func (m Machine) Rebuild(rem reminder.Reminder, h History, now time.Time) []Effect {
	if rem.Status != reminder.StatusActive {
		return []Effect{cancelAll(rem.ID)}
	}
	if h.Acked {
		return m.advance(rem, now)
	}
	if h.HasLast {
		last := h.Last
		limit := m.Policy.Limit(rem.MaxAttempts)
		if last.Seq >= limit {
			return m.suspend(rem, limit)
		}
		base, delay := last.SentAt, m.Policy.DelayFor(last.Seq+1)
		// A snooze given after Last was sent decides the retry time.
		if sn := h.Shown; h.HasShown && sn.Outcome == reminder.OutcomeSnoozed && sn.ResolvedAt != nil && !sn.ResolvedAt.Before(last.SentAt) {
			base, delay = *sn.ResolvedAt, m.snooze()
		}
		at := base.Add(delay)
		if at.Before(now) {
			at = now
		}
		return []Effect{replace(reminder.NewTrigger(rem.ID, reminder.KindEscalationRetry, rem.DueAt, at, last.Seq+1))}
	}
	fireAt := rem.DueAt
	if fireAt.Before(now) {
		fireAt = now
	}
	return []Effect{replace(initialTrigger(rem, fireAt))}
}
