package scheduler

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"nagbot/internal/reminder"
	"nagbot/internal/storage"
)

// checkInvariants verifies the trigger and history invariants for every reminder.
func checkInvariants(t *testing.T, h *harness, step int, op string) {
	t.Helper()
	ctx := context.Background()
	err := h.store.View(ctx, func(tx storage.Tx) error {
		rems, err := tx.ListReminders(ctx, storage.ReminderFilter{})
		if err != nil {
			return err
		}
		for _, r := range rems {
			ts, err := tx.TriggersFor(ctx, r.ID)
			if err != nil {
				return err
			}
			switch {
			case len(ts) > 1:
				t.Fatalf("step %d (%s): reminder %d has %d triggers", step, op, r.ID, len(ts))
			case r.Status == reminder.StatusActive && len(ts) != 1:
				t.Fatalf("step %d (%s): active reminder %d has %d triggers", step, op, r.ID, len(ts))
			case r.Status != reminder.StatusActive && len(ts) != 0:
				t.Fatalf("step %d (%s): %s reminder %d has a trigger", step, op, r.Status, r.ID)
			}
			as, err := tx.ListAttempts(ctx, r.Occurrence())
			if err != nil {
				return err
			}
			if len(as) > r.MaxAttempts {
				t.Fatalf("step %d (%s): reminder %d has %d attempts, max %d", step, op, r.ID, len(as), r.MaxAttempts)
			}
			pending, acked := 0, false
			for i, a := range as {
				if a.Outcome == reminder.OutcomeAcknowledged {
					acked = true
				}
				if a.Seq != i+1 {
					t.Fatalf("step %d (%s): reminder %d attempt seqs not contiguous: %+v", step, op, r.ID, as)
				}
				if a.Pending() {
					pending++
				}
			}
			if pending > 1 {
				t.Fatalf("step %d (%s): reminder %d has %d pending attempts", step, op, r.ID, pending)
			}
			if len(as) == r.MaxAttempts && r.Status == reminder.StatusActive {
				if !acked {
					t.Fatalf("step %d (%s): reminder %d exhausted attempts but is ACTIVE", step, op, r.ID)
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("invariant check: %v", err)
	}
}

func TestRandomOperationsKeepOneTrigger(t *testing.T) {
	t.Parallel()
	for seed := int64(1); seed <= 5; seed++ {
		seed := seed
		t.Run("seed", func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			h := newHarness(t, 4)
			ctx := context.Background()
			owner := int64(7)
			var ids []int64
			pick := func() int64 { return ids[rng.Intn(len(ids))] }

			for step := 0; step < 300; step++ {
				op := "tick"
				switch n := rng.Intn(10); {
				case n == 0 || len(ids) == 0:
					op = "create"
					tod := reminder.TimeOfDay{Hour: rng.Intn(24), Minute: rng.Intn(60)}.String()
					id, err := h.svc.CreateReminder(ctx, NewReminder{OwnerID: owner, Text: "p", TimeOfDay: tod, IntervalDays: rng.Intn(3)})
					if err != nil {
						t.Fatalf("create: %v", err)
					}
					ids = append(ids, id)
				case n == 1:
					op = "ack"
					id := pick()
					_, _ = h.svc.Acknowledge(ctx, h.reminder(t, id).Occurrence(), owner)
				case n == 2:
					op = "snooze"
					id := pick()
					_, _ = h.svc.Snooze(ctx, h.reminder(t, id).Occurrence(), owner)
				case n == 3 && rng.Intn(3) == 0:
					op = "delete"
					_ = h.svc.DeleteReminder(ctx, pick(), owner)
				case n == 4:
					op = "reactivate"
					_, _ = h.svc.Reactivate(ctx, pick(), owner)
				case n == 5:
					op = "recover"
					if _, err := h.svc.Recover(ctx); err != nil {
						t.Fatalf("recover: %v", err)
					}
				default:
					h.clk.Advance(time.Duration(rng.Intn(90)) * time.Minute)
					if _, err := h.svc.Tick(ctx); err != nil {
						t.Fatalf("tick: %v", err)
					}
				}
				checkInvariants(t, h, step, op)
			}
			if len(h.exec.errs) > 0 {
				t.Fatalf("fire errors: %v", h.exec.errs)
			}
		})
	}
}
