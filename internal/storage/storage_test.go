package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"nagbot/internal/reminder"
	logx "nagbot/pkg/logx"
)

var t0 = time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	clock := func() time.Time { return t0 }
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemory(Config{Now: clock})
		},
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "nagbot.json"), Now: clock}, logx.Nop())
			if err != nil {
				t.Fatalf("Open(file) error: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "nagbot.db"), Now: clock}, logx.Nop())
			if err != nil {
				t.Fatalf("Open(sqlite) error: %v", err)
			}
			return st
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func newReminder(owner int64, due time.Time) reminder.Reminder {
	return reminder.Reminder{
		OwnerID:      owner,
		ChatID:       owner,
		Text:         "stretch",
		Hour:         due.Hour(),
		Minute:       due.Minute(),
		IntervalDays: 1,
		Status:       reminder.StatusActive,
		MaxAttempts:  3,
		CreatedAt:    t0.Add(-time.Hour),
		DueAt:        due,
	}
}

func insert(t *testing.T, st Store, r reminder.Reminder) int64 {
	t.Helper()
	var id int64
	err := st.Update(context.Background(), func(tx Tx) error {
		var err error
		id, err = tx.InsertReminder(context.Background(), r)
		return err
	})
	if err != nil {
		t.Fatalf("InsertReminder error: %v", err)
	}
	return id
}

func TestReminderRepository(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := insert(t, st, newReminder(1, t0.Add(2*time.Hour)))
		b := insert(t, st, newReminder(1, t0.Add(time.Hour)))
		c := insert(t, st, newReminder(2, t0))
		if a == b || b == c {
			t.Fatalf("ids not unique: %d %d %d", a, b, c)
		}

		err := st.Update(ctx, func(tx Tx) error {
			r, err := tx.GetReminder(ctx, a)
			if err != nil {
				return err
			}
			at := t0
			r.Status = reminder.StatusSuspended
			r.LastAckAt = &at
			return tx.UpdateReminder(ctx, r)
		})
		if err != nil {
			t.Fatalf("update error: %v", err)
		}

		_ = st.View(ctx, func(tx Tx) error {
			list, err := tx.ListReminders(ctx, ReminderFilter{OwnerID: 1})
			if err != nil {
				t.Fatalf("ListReminders error: %v", err)
			}
			if len(list) != 2 || list[0].ID != b || list[1].ID != a {
				t.Fatalf("ListReminders order = %+v, want [%d %d]", list, b, a)
			}
			active, _ := tx.ListReminders(ctx, ReminderFilter{OwnerID: 1, Statuses: []reminder.Status{reminder.StatusActive}})
			if len(active) != 1 || active[0].ID != b {
				t.Fatalf("active filter = %+v", active)
			}
			got, _ := tx.GetReminder(ctx, a)
			if got.LastAckAt == nil || !got.LastAckAt.Equal(t0) {
				t.Fatalf("LastAckAt = %v, want %v", got.LastAckAt, t0)
			}
			if !got.DueAt.Equal(t0.Add(2 * time.Hour)) {
				t.Fatalf("DueAt = %v", got.DueAt)
			}
			_, err = tx.GetReminder(ctx, 999)
			if !errors.Is(err, reminder.ErrNotFound) {
				t.Fatalf("GetReminder(999) err = %v, want ErrNotFound", err)
			}
			return nil
		})

		err = st.Update(ctx, func(tx Tx) error {
			return tx.UpdateReminder(ctx, reminder.Reminder{ID: 999, Status: reminder.StatusActive})
		})
		if !errors.Is(err, reminder.ErrNotFound) {
			t.Fatalf("UpdateReminder(999) err = %v, want ErrNotFound", err)
		}
	})
}

func TestUpdateRollsBack(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		boom := errors.New("boom")
		err := st.Update(ctx, func(tx Tx) error {
			id, err := tx.InsertReminder(ctx, newReminder(1, t0))
			if err != nil {
				return err
			}
			if err := tx.Schedule(ctx, reminder.NewTrigger(id, reminder.KindInitialDue, t0, t0, 1)); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Update err = %v, want boom", err)
		}
		_ = st.View(ctx, func(tx Tx) error {
			list, _ := tx.ListReminders(ctx, ReminderFilter{})
			n, _ := tx.CountTriggers(ctx)
			if len(list) != 0 || n != 0 {
				t.Fatalf("after rollback: %d reminders, %d triggers", len(list), n)
			}
			return nil
		})
	})
}

func TestTriggerStore(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := insert(t, st, newReminder(1, t0))
		b := insert(t, st, newReminder(1, t0))
		c := insert(t, st, newReminder(1, t0))

		ta := reminder.NewTrigger(a, reminder.KindInitialDue, t0, t0.Add(time.Minute), 1)
		tb := reminder.NewTrigger(b, reminder.KindInitialDue, t0, t0.Add(time.Minute), 1)
		tc := reminder.NewTrigger(c, reminder.KindInitialDue, t0, t0.Add(time.Hour), 1)
		err := st.Update(ctx, func(tx Tx) error {
			for _, tr := range []reminder.Trigger{tc, tb, ta} {
				if err := tx.Schedule(ctx, tr); err != nil {
					return err
				}
			}
			// Upsert by key is not a second trigger.
			return tx.Schedule(ctx, ta)
		})
		if err != nil {
			t.Fatalf("Schedule error: %v", err)
		}

		err = st.Update(ctx, func(tx Tx) error {
			return tx.Schedule(ctx, reminder.NewTrigger(a, reminder.KindEscalationRetry, t0, t0.Add(5*time.Minute), 2))
		})
		if !errors.Is(err, reminder.ErrScheduleConsistency) {
			t.Fatalf("second trigger err = %v, want ErrScheduleConsistency", err)
		}

		_ = st.View(ctx, func(tx Tx) error {
			due, err := tx.PollDue(ctx, t0.Add(30*time.Minute), 0)
			if err != nil {
				t.Fatalf("PollDue error: %v", err)
			}
			if len(due) != 2 {
				t.Fatalf("PollDue len = %d, want 2", len(due))
			}
			first, second := ta.Key, tb.Key
			if second < first {
				first, second = second, first
			}
			if due[0].Key != first || due[1].Key != second {
				t.Fatalf("PollDue order = [%s %s], want [%s %s]", due[0].Key, due[1].Key, first, second)
			}
			limited, _ := tx.PollDue(ctx, t0.Add(2*time.Hour), 1)
			if len(limited) != 1 {
				t.Fatalf("PollDue limit = %d entries", len(limited))
			}
			// Polling does not consume.
			n, _ := tx.CountTriggers(ctx)
			if n != 3 {
				t.Fatalf("CountTriggers = %d, want 3", n)
			}
			return nil
		})

		retry := reminder.NewTrigger(a, reminder.KindEscalationRetry, t0, t0.Add(5*time.Minute), 2)
		err = st.Update(ctx, func(tx Tx) error {
			if err := tx.Replace(ctx, retry); err != nil {
				return err
			}
			if err := tx.Cancel(ctx, "missing-key"); err != nil {
				return err
			}
			n, err := tx.CancelReminder(ctx, b)
			if err != nil {
				return err
			}
			if n != 1 {
				t.Fatalf("CancelReminder = %d, want 1", n)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Replace/Cancel error: %v", err)
		}
		_ = st.View(ctx, func(tx Tx) error {
			got, _ := tx.TriggersFor(ctx, a)
			if len(got) != 1 || got[0].Key != retry.Key || got[0].Kind != reminder.KindEscalationRetry || got[0].Seq != 2 {
				t.Fatalf("TriggersFor(a) = %+v", got)
			}
			if !got[0].FireAt.Equal(retry.FireAt) || !got[0].OccurrenceAt.Equal(t0) {
				t.Fatalf("trigger times = %v / %v", got[0].FireAt, got[0].OccurrenceAt)
			}
			all, _ := tx.ListTriggers(ctx)
			if len(all) != 2 {
				t.Fatalf("ListTriggers len = %d, want 2", len(all))
			}
			return nil
		})
	})
}

func TestScheduleFlagsPastButStores(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		id := insert(t, st, newReminder(1, t0))
		late := reminder.NewTrigger(id, reminder.KindInitialDue, t0.Add(-time.Hour), t0.Add(-time.Hour), 1)

		err := st.Update(ctx, func(tx Tx) error {
			err := tx.Schedule(ctx, late)
			var ise *reminder.InvalidScheduleError
			if !errors.As(err, &ise) {
				t.Fatalf("Schedule err = %v, want InvalidScheduleError", err)
			}
			if ise.Late != time.Hour {
				t.Fatalf("Late = %v, want 1h", ise.Late)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Update error: %v", err)
		}
		_ = st.View(ctx, func(tx Tx) error {
			n, _ := tx.CountTriggers(ctx)
			if n != 1 {
				t.Fatalf("flagged trigger not stored, count = %d", n)
			}
			return nil
		})

		within := reminder.NewTrigger(id, reminder.KindInitialDue, t0, t0.Add(-30*time.Second), 1)
		err = st.Update(ctx, func(tx Tx) error { return tx.Replace(ctx, within) })
		if err != nil {
			t.Fatalf("Replace within tolerance err = %v", err)
		}
	})
}

func TestHistoryStore(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		id := insert(t, st, newReminder(1, t0))
		occ := reminder.OccurrenceRef{ReminderID: id, DueAt: t0}

		err := st.Update(ctx, func(tx Tx) error {
			if err := tx.AppendAttempt(ctx, reminder.Attempt{ReminderID: id, OccurrenceAt: t0, Seq: 1, SentAt: t0, Outcome: reminder.OutcomeSent, Handle: "10:1"}); err != nil {
				return err
			}
			return tx.AppendAttempt(ctx, reminder.Attempt{ReminderID: id, OccurrenceAt: t0, Seq: 2, SentAt: t0.Add(5 * time.Minute), Outcome: reminder.OutcomeFailed})
		})
		if err != nil {
			t.Fatalf("AppendAttempt error: %v", err)
		}

		err = st.Update(ctx, func(tx Tx) error {
			return tx.AppendAttempt(ctx, reminder.Attempt{ReminderID: id, OccurrenceAt: t0, Seq: 4, SentAt: t0, Outcome: reminder.OutcomeSent})
		})
		if !errors.Is(err, reminder.ErrScheduleConsistency) {
			t.Fatalf("gap append err = %v, want ErrScheduleConsistency", err)
		}

		err = st.Update(ctx, func(tx Tx) error {
			if err := tx.AppendAttempt(ctx, reminder.Attempt{ReminderID: id, OccurrenceAt: t0, Seq: 3, SentAt: t0.Add(10 * time.Minute), Outcome: reminder.OutcomeSent, Handle: "10:3"}); err != nil {
				return err
			}
			return tx.ResolveAttempt(ctx, occ, 3, reminder.OutcomeAcknowledged, t0.Add(11*time.Minute))
		})
		if err != nil {
			t.Fatalf("append/resolve error: %v", err)
		}

		_ = st.View(ctx, func(tx Tx) error {
			list, err := tx.ListAttempts(ctx, occ)
			if err != nil {
				t.Fatalf("ListAttempts error: %v", err)
			}
			if len(list) != 3 {
				t.Fatalf("attempts = %d, want 3", len(list))
			}
			for i, a := range list {
				if a.Seq != i+1 {
					t.Fatalf("attempt %d seq = %d", i, a.Seq)
				}
				if a.ResolvedAt == nil {
					t.Fatalf("attempt %d still pending", a.Seq)
				}
			}
			if !list[0].ResolvedAt.Equal(t0.Add(5 * time.Minute)) {
				t.Fatalf("attempt 1 resolved at %v, want next send time", list[0].ResolvedAt)
			}
			last, ok, _ := tx.LastAttempt(ctx, occ)
			if !ok || last.Outcome != reminder.OutcomeAcknowledged || last.Handle != "10:3" {
				t.Fatalf("LastAttempt = %+v, %v", last, ok)
			}
			latest, ok, _ := tx.LatestAttempt(ctx, id)
			if !ok || latest.Seq != 3 {
				t.Fatalf("LatestAttempt = %+v, %v", latest, ok)
			}
			_, ok, _ = tx.LastAttempt(ctx, reminder.OccurrenceRef{ReminderID: id, DueAt: t0.Add(24 * time.Hour)})
			if ok {
				t.Fatal("LastAttempt for unknown occurrence should be absent")
			}
			return nil
		})

		err = st.Update(ctx, func(tx Tx) error {
			return tx.ResolveAttempt(ctx, occ, 9, reminder.OutcomeAcknowledged, t0)
		})
		if !errors.Is(err, reminder.ErrNotFound) {
			t.Fatalf("ResolveAttempt(9) err = %v, want ErrNotFound", err)
		}
	})
}

func TestPruneAttempts(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		old := t0.Add(-40 * 24 * time.Hour)
		id := insert(t, st, newReminder(1, t0))
		other := insert(t, st, newReminder(2, old))

		err := st.Update(ctx, func(tx Tx) error {
			// Resolved, old: pruned.
			if err := tx.AppendAttempt(ctx, reminder.Attempt{ReminderID: id, OccurrenceAt: old, Seq: 1, SentAt: old, Outcome: reminder.OutcomeSent}); err != nil {
				return err
			}
			if err := tx.ResolveAttempt(ctx, reminder.OccurrenceRef{ReminderID: id, DueAt: old}, 1, reminder.OutcomeAcknowledged, old); err != nil {
				return err
			}
			// Old but current occurrence of an active reminder: kept.
			if err := tx.AppendAttempt(ctx, reminder.Attempt{ReminderID: other, OccurrenceAt: old, Seq: 1, SentAt: old, Outcome: reminder.OutcomeFailed}); err != nil {
				return err
			}
			// Recent: kept.
			return tx.AppendAttempt(ctx, reminder.Attempt{ReminderID: id, OccurrenceAt: t0, Seq: 1, SentAt: t0, Outcome: reminder.OutcomeSent})
		})
		if err != nil {
			t.Fatalf("seed error: %v", err)
		}

		var n int
		err = st.Update(ctx, func(tx Tx) error {
			var err error
			n, err = tx.PruneAttempts(ctx, t0.Add(-30*24*time.Hour))
			return err
		})
		if err != nil {
			t.Fatalf("PruneAttempts error: %v", err)
		}
		if n != 1 {
			t.Fatalf("pruned = %d, want 1", n)
		}
		_ = st.View(ctx, func(tx Tx) error {
			if _, ok, _ := tx.LastAttempt(ctx, reminder.OccurrenceRef{ReminderID: other, DueAt: old}); !ok {
				t.Fatal("attempt for current occurrence was pruned")
			}
			return nil
		})
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path, Now: func() time.Time { return t0 }}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	id := insert(t, st, newReminder(5, t0.Add(time.Hour)))
	ctx := context.Background()
	if err := st.Update(ctx, func(tx Tx) error {
		return tx.Schedule(ctx, reminder.NewTrigger(id, reminder.KindInitialDue, t0.Add(time.Hour), t0.Add(time.Hour), 1))
	}); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	_ = st.Close()

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer st2.Close()
	second := insert(t, st2, newReminder(5, t0))
	if second == id {
		t.Fatalf("id %d reused after reopen", id)
	}
	_ = st2.View(ctx, func(tx Tx) error {
		r, err := tx.GetReminder(ctx, id)
		if err != nil || r.OwnerID != 5 {
			t.Fatalf("GetReminder after reopen = %+v, %v", r, err)
		}
		n, _ := tx.CountTriggers(ctx)
		if n != 1 {
			t.Fatalf("triggers after reopen = %d, want 1", n)
		}
		return nil
	})
}

func TestSQLiteMigrationsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nagbot.db")
	for i := 0; i < 2; i++ {
		st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("Open #%d error: %v", i+1, err)
		}
		if err := st.Ping(context.Background()); err != nil {
			t.Fatalf("Ping error: %v", err)
		}
		_ = st.Close()
	}
}

func TestViewIsReadOnlyOnMemory(t *testing.T) {
	t.Parallel()
	st := NewMemory(Config{})
	err := st.View(context.Background(), func(tx Tx) error {
		_, err := tx.InsertReminder(context.Background(), newReminder(1, t0))
		return err
	})
	if !errors.Is(err, reminder.ErrStorage) {
		t.Fatalf("insert in View err = %v, want ErrStorage", err)
	}
	_ = st.Close()
	if err := st.Ping(context.Background()); !errors.Is(err, reminder.ErrStorage) {
		t.Fatalf("Ping after close = %v, want ErrStorage", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
