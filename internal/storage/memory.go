package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"nagbot/internal/reminder"
)

var errReadOnly = errors.New("read-only transaction")

// memState is the whole dataset. Update works on a clone and swaps it in on
// success, which gives all-or-nothing transactions without a journal.
type memState struct {
	NextID    int64                         `json:"next_id"`
	Reminders map[int64]reminder.Reminder   `json:"reminders"`
	Attempts  map[string][]reminder.Attempt `json:"attempts"`
	Triggers  map[string]reminder.Trigger   `json:"triggers"`
}

func newMemState() *memState {
	return &memState{
		Reminders: map[int64]reminder.Reminder{},
		Attempts:  map[string][]reminder.Attempt{},
		Triggers:  map[string]reminder.Trigger{},
	}
}

func (s *memState) clone() *memState {
	out := &memState{
		NextID:    s.NextID,
		Reminders: make(map[int64]reminder.Reminder, len(s.Reminders)),
		Attempts:  make(map[string][]reminder.Attempt, len(s.Attempts)),
		Triggers:  make(map[string]reminder.Trigger, len(s.Triggers)),
	}
	for k, v := range s.Reminders {
		out.Reminders[k] = v
	}
	for k, v := range s.Attempts {
		out.Attempts[k] = append([]reminder.Attempt(nil), v...)
	}
	for k, v := range s.Triggers {
		out.Triggers[k] = v
	}
	return out
}

// MemoryStore is the in-process backend. With a persist hook it backs the
// "file" driver.
type MemoryStore struct {
	cfg Config

	mu      sync.RWMutex
	st      *memState
	persist func(*memState) error
	closed  bool
}

func NewMemory(cfg Config) *MemoryStore {
	return &MemoryStore{cfg: cfg, st: newMemState()}
}

func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return reminder.Storage("update", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return reminder.Storage("update", ErrClosed)
	}
	next := m.st.clone()
	if err := fn(&memTx{st: next, cfg: m.cfg}); err != nil {
		return err
	}
	if m.persist != nil {
		if err := m.persist(next); err != nil {
			return reminder.Storage("persist", err)
		}
	}
	m.st = next
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return reminder.Storage("view", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return reminder.Storage("view", ErrClosed)
	}
	return fn(&memTx{st: m.st, cfg: m.cfg, ro: true})
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return reminder.Storage("ping", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return reminder.Storage("ping", ErrClosed)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memTx struct {
	st  *memState
	cfg Config
	ro  bool
}

func (t *memTx) writable(op string) error {
	if t.ro {
		return reminder.Storage(op, errReadOnly)
	}
	return nil
}

func occKey(reminderID int64, at time.Time) string {
	return reminder.OccurrenceRef{ReminderID: reminderID, DueAt: at}.String()
}

func normReminder(r reminder.Reminder) reminder.Reminder {
	r.CreatedAt = normTime(r.CreatedAt)
	r.DueAt = normTime(r.DueAt)
	r.LastAckAt = normPtr(r.LastAckAt)
	return r
}

func normAttempt(a reminder.Attempt) reminder.Attempt {
	a.OccurrenceAt = normTime(a.OccurrenceAt)
	a.SentAt = normTime(a.SentAt)
	a.ResolvedAt = normPtr(a.ResolvedAt)
	return a
}

func normTrigger(t reminder.Trigger) reminder.Trigger {
	t.FireAt = normTime(t.FireAt)
	t.OccurrenceAt = normTime(t.OccurrenceAt)
	return t
}

// reminders

func (t *memTx) InsertReminder(ctx context.Context, r reminder.Reminder) (int64, error) {
	if err := t.writable("insert reminder"); err != nil {
		return 0, err
	}
	t.st.NextID++
	r.ID = t.st.NextID
	t.st.Reminders[r.ID] = normReminder(r)
	return r.ID, nil
}

func (t *memTx) GetReminder(ctx context.Context, id int64) (reminder.Reminder, error) {
	r, ok := t.st.Reminders[id]
	if !ok {
		return reminder.Reminder{}, &reminder.NotFoundError{What: "reminder", ID: id}
	}
	return r, nil
}

func (t *memTx) UpdateReminder(ctx context.Context, r reminder.Reminder) error {
	if err := t.writable("update reminder"); err != nil {
		return err
	}
	if _, ok := t.st.Reminders[r.ID]; !ok {
		return &reminder.NotFoundError{What: "reminder", ID: r.ID}
	}
	t.st.Reminders[r.ID] = normReminder(r)
	return nil
}

func (t *memTx) ListReminders(ctx context.Context, f ReminderFilter) ([]reminder.Reminder, error) {
	out := make([]reminder.Reminder, 0)
	for _, r := range t.st.Reminders {
		if f.match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// history

func (t *memTx) AppendAttempt(ctx context.Context, a reminder.Attempt) error {
	if err := t.writable("append attempt"); err != nil {
		return err
	}
	a = normAttempt(a)
	k := occKey(a.ReminderID, a.OccurrenceAt)
	list := t.st.Attempts[k]
	var last reminder.Attempt
	ok := len(list) > 0
	if ok {
		last = list[len(list)-1]
	}
	if err := checkAppend(last, ok, a); err != nil {
		return err
	}
	if ok && last.ResolvedAt == nil {
		at := a.SentAt
		list[len(list)-1].ResolvedAt = &at
	}
	if a.Outcome == reminder.OutcomeFailed && a.ResolvedAt == nil {
		at := a.SentAt
		a.ResolvedAt = &at
	}
	t.st.Attempts[k] = append(list, a)
	return nil
}

func (t *memTx) ResolveAttempt(ctx context.Context, occ reminder.OccurrenceRef, seq int, outcome reminder.Outcome, at time.Time) error {
	if err := t.writable("resolve attempt"); err != nil {
		return err
	}
	list := t.st.Attempts[occKey(occ.ReminderID, occ.DueAt)]
	for i := range list {
		if list[i].Seq == seq {
			resolved := normTime(at)
			list[i].Outcome = outcome
			list[i].ResolvedAt = &resolved
			return nil
		}
	}
	return &reminder.NotFoundError{What: "attempt", ID: occ.ReminderID}
}

func (t *memTx) LastAttempt(ctx context.Context, occ reminder.OccurrenceRef) (reminder.Attempt, bool, error) {
	list := t.st.Attempts[occKey(occ.ReminderID, occ.DueAt)]
	if len(list) == 0 {
		return reminder.Attempt{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (t *memTx) LatestAttempt(ctx context.Context, reminderID int64) (reminder.Attempt, bool, error) {
	var (
		best  reminder.Attempt
		found bool
	)
	for _, list := range t.st.Attempts {
		if len(list) == 0 || list[0].ReminderID != reminderID {
			continue
		}
		a := list[len(list)-1]
		if !found || a.OccurrenceAt.After(best.OccurrenceAt) {
			best, found = a, true
		}
	}
	return best, found, nil
}

func (t *memTx) ListAttempts(ctx context.Context, occ reminder.OccurrenceRef) ([]reminder.Attempt, error) {
	return append([]reminder.Attempt{}, t.st.Attempts[occKey(occ.ReminderID, occ.DueAt)]...), nil
}

func (t *memTx) PruneAttempts(ctx context.Context, before time.Time) (int, error) {
	if err := t.writable("prune attempts"); err != nil {
		return 0, err
	}
	n := 0
	for k, list := range t.st.Attempts {
		if len(list) == 0 {
			delete(t.st.Attempts, k)
			continue
		}
		first := list[0]
		if !first.OccurrenceAt.Before(before) {
			continue
		}
		if r, ok := t.st.Reminders[first.ReminderID]; ok && r.Status == reminder.StatusActive && r.DueAt.Equal(first.OccurrenceAt) {
			continue
		}
		pending := false
		for _, a := range list {
			if a.ResolvedAt == nil {
				pending = true
				break
			}
		}
		if pending {
			continue
		}
		n += len(list)
		delete(t.st.Attempts, k)
	}
	return n, nil
}

// triggers

func (t *memTx) Schedule(ctx context.Context, tr reminder.Trigger) error {
	if err := t.writable("schedule"); err != nil {
		return err
	}
	if err := validTrigger(tr); err != nil {
		return err
	}
	tr = normTrigger(tr)
	existing, _ := t.TriggersFor(ctx, tr.ReminderID)
	if err := checkSchedule(existing, tr); err != nil {
		return err
	}
	t.st.Triggers[tr.Key] = tr
	return t.cfg.lateFlag(tr)
}

func (t *memTx) Replace(ctx context.Context, tr reminder.Trigger) error {
	if err := t.writable("replace"); err != nil {
		return err
	}
	if err := validTrigger(tr); err != nil {
		return err
	}
	tr = normTrigger(tr)
	if _, err := t.CancelReminder(ctx, tr.ReminderID); err != nil {
		return err
	}
	t.st.Triggers[tr.Key] = tr
	return t.cfg.lateFlag(tr)
}

func (t *memTx) Cancel(ctx context.Context, key string) error {
	if err := t.writable("cancel"); err != nil {
		return err
	}
	delete(t.st.Triggers, key)
	return nil
}

func (t *memTx) CancelReminder(ctx context.Context, reminderID int64) (int, error) {
	if err := t.writable("cancel reminder"); err != nil {
		return 0, err
	}
	n := 0
	for k, tr := range t.st.Triggers {
		if tr.ReminderID == reminderID {
			delete(t.st.Triggers, k)
			n++
		}
	}
	return n, nil
}

func (t *memTx) PollDue(ctx context.Context, now time.Time, limit int) ([]reminder.Trigger, error) {
	out := make([]reminder.Trigger, 0)
	for _, tr := range t.st.Triggers {
		if !tr.FireAt.After(now) {
			out = append(out, tr)
		}
	}
	sortTriggers(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) TriggersFor(ctx context.Context, reminderID int64) ([]reminder.Trigger, error) {
	out := make([]reminder.Trigger, 0, 1)
	for _, tr := range t.st.Triggers {
		if tr.ReminderID == reminderID {
			out = append(out, tr)
		}
	}
	sortTriggers(out)
	return out, nil
}

func (t *memTx) ListTriggers(ctx context.Context) ([]reminder.Trigger, error) {
	out := make([]reminder.Trigger, 0, len(t.st.Triggers))
	for _, tr := range t.st.Triggers {
		out = append(out, tr)
	}
	sortTriggers(out)
	return out, nil
}

func (t *memTx) CountTriggers(ctx context.Context) (int, error) {
	return len(t.st.Triggers), nil
}

func sortTriggers(ts []reminder.Trigger) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].FireAt.Equal(ts[j].FireAt) {
			return ts[i].FireAt.Before(ts[j].FireAt)
		}
		return ts[i].Key < ts[j].Key
	})
}
