package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"nagbot/internal/eventbus"
	"nagbot/internal/reminder"
	"nagbot/internal/scheduler"
	"nagbot/internal/task/engine"
	kit "nagbot/internal/transport"
	"nagbot/internal/transport/telegram/router"
	logx "nagbot/pkg/logx"
	"nagbot/pkg/tgui"
)

type fakeAdapter struct {
	texts []string
	edits []kit.MessageRef
	opts  []*kit.SendOptions
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                        { return nil }
func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.texts = append(f.texts, text)
	f.opts = append(f.opts, opt)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}
func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.texts = append(f.texts, text)
	f.opts = append(f.opts, opt)
	f.edits = append(f.edits, ref)
	return nil
}
func (f *fakeAdapter) AnswerCallback(ctx context.Context, id, text string) error { return nil }

func (f *fakeAdapter) last() string {
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

// buttons returns the inline keyboard of the last message as "label|data".
func (f *fakeAdapter) buttons() [][]string {
	if len(f.opts) == 0 || f.opts[len(f.opts)-1] == nil {
		return nil
	}
	rm, _ := f.opts[len(f.opts)-1].ReplyMarkupAdapter.(*tele.ReplyMarkup)
	if rm == nil {
		return nil
	}
	var out [][]string
	for _, row := range rm.InlineKeyboard {
		var r []string
		for _, b := range row {
			r = append(r, b.Text+"|"+b.Data)
		}
		out = append(out, r)
	}
	return out
}

type fakeReminders struct {
	created []scheduler.NewReminder
	entries []scheduler.Entry
	err     error

	deleted   []int64
	acked     []reminder.OccurrenceRef
	snoozedAt time.Time
	health    scheduler.Health
}

func (f *fakeReminders) CreateReminder(ctx context.Context, in scheduler.NewReminder) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.created = append(f.created, in)
	id := int64(len(f.entries) + 1)
	f.entries = append(f.entries, scheduler.Entry{Reminder: reminder.Reminder{
		ID: id, OwnerID: in.OwnerID, Text: in.Text, Hour: 8, Minute: 30,
		IntervalDays: in.IntervalDays, Status: reminder.StatusActive, MaxAttempts: 10,
		DueAt: time.Date(2025, 1, 6, 8, 30, 0, 0, time.UTC),
	}})
	return id, nil
}

func (f *fakeReminders) Overview(ctx context.Context, ownerID int64) ([]scheduler.Entry, error) {
	return f.entries, nil
}

func (f *fakeReminders) DeleteReminder(ctx context.Context, id, requester int64) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeReminders) Reactivate(ctx context.Context, id, requester int64) (time.Time, error) {
	return time.Date(2025, 1, 7, 8, 30, 0, 0, time.UTC), f.err
}

func (f *fakeReminders) Acknowledge(ctx context.Context, occ reminder.OccurrenceRef, requester int64) (reminder.Outcome, error) {
	if f.err != nil {
		return "", f.err
	}
	f.acked = append(f.acked, occ)
	return reminder.OutcomeAcknowledged, nil
}

func (f *fakeReminders) Snooze(ctx context.Context, occ reminder.OccurrenceRef, requester int64) (time.Time, error) {
	return f.snoozedAt, f.err
}

func (f *fakeReminders) GetHealth(ctx context.Context) scheduler.Health { return f.health }

// press builds a callback request for a button on message 40.
func press(ad *fakeAdapter, from int64, data string) *router.Request {
	req := request(ad, from, "")
	req.Update = kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c1", FromID: from, ChatID: from, MessageID: 40, Data: data}}
	req.Payload = data
	return req
}

func request(ad *fakeAdapter, from int64, text string) *router.Request {
	return &router.Request{
		Chat:    kit.ChatTarget{ChatID: from},
		FromID:  from,
		Text:    text,
		Args:    strings.Fields(text),
		Adapter: ad,
		Logger:  logx.Nop(),
	}
}

func TestSetCreatesReminder(t *testing.T) {
	t.Parallel()
	fr := &fakeReminders{}
	h := New(Deps{Reminders: fr})
	ad := &fakeAdapter{}

	if err := h.set(context.Background(), request(ad, 7, "08:30 1 Take  <vitamins>")); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if len(fr.created) != 1 {
		t.Fatalf("created = %+v", fr.created)
	}
	got := fr.created[0]
	if got.OwnerID != 7 || got.ChatID != 7 || got.TimeOfDay != "08:30" || got.IntervalDays != 1 || got.Text != "Take  <vitamins>" {
		t.Fatalf("draft = %+v", got)
	}
	reply := ad.last()
	for _, want := range []string{"Reminder created", "ID: 1", "&lt;vitamins&gt;", "Daily", "2025-01-06 08:30"} {
		if !strings.Contains(reply, want) {
			t.Fatalf("reply %q missing %q", reply, want)
		}
	}
}

func TestSetRejectsBadInput(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, args, want string
	}{
		{"too few args", "08:30 1", "Usage: /set"},
		{"days not a number", "08:30 daily pills", "DAYS must be a number"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fr := &fakeReminders{}
			ad := &fakeAdapter{}
			if err := New(Deps{Reminders: fr}).set(context.Background(), request(ad, 7, tc.args)); err != nil {
				t.Fatalf("set error: %v", err)
			}
			if !strings.Contains(ad.last(), tc.want) || len(fr.created) != 0 {
				t.Fatalf("reply = %q, created = %d", ad.last(), len(fr.created))
			}
		})
	}
}

func TestViewRendersPhases(t *testing.T) {
	t.Parallel()
	due := time.Date(2025, 1, 6, 8, 30, 0, 0, time.UTC)
	fr := &fakeReminders{entries: []scheduler.Entry{
		{Reminder: reminder.Reminder{ID: 1, Text: "pills", Hour: 8, Minute: 30, IntervalDays: 1, MaxAttempts: 10, DueAt: due},
			State: scheduler.State{Phase: scheduler.PhaseIdle, DueAt: due}},
		{Reminder: reminder.Reminder{ID: 2, Text: "water plants", Hour: 9, IntervalDays: 3, MaxAttempts: 10, DueAt: due},
			State: scheduler.State{Phase: scheduler.PhaseAwaitingAck, Attempt: 3, RetryAt: due.Add(30 * time.Minute)}},
		{Reminder: reminder.Reminder{ID: 3, Text: "call mom", Hour: 18, MaxAttempts: 10, Status: reminder.StatusSuspended},
			State: scheduler.State{Phase: scheduler.PhaseSuspended}},
	}}
	ad := &fakeAdapter{}
	if err := New(Deps{Reminders: fr}).view(context.Background(), request(ad, 7, "")); err != nil {
		t.Fatalf("view error: %v", err)
	}
	reply := ad.last()
	for _, want := range []string{"(ID: 1)", "Next: 01-06 08:30", "Every 3 days", "Attempt 3/10, next at 09:00", "⚠️(3)", "/reactivate 3", "One-time"} {
		if !strings.Contains(reply, want) {
			t.Fatalf("reply %q missing %q", reply, want)
		}
	}
}

func TestViewEmpty(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	if err := New(Deps{Reminders: &fakeReminders{}}).view(context.Background(), request(ad, 7, "")); err != nil {
		t.Fatalf("view error: %v", err)
	}
	if !strings.Contains(ad.last(), "No reminders") {
		t.Fatalf("reply = %q", ad.last())
	}
}

func TestDeleteMapsErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		args    string
		err     error
		want    string
		wantErr bool
	}{
		{"ok", "4", nil, "Reminder 4 deleted", false},
		{"hash prefix", "#4", nil, "Reminder 4 deleted", false},
		{"usage", "", nil, "Usage: /delete ID", false},
		{"not found", "9", &reminder.NotFoundError{ID: 9}, "Reminder 9 not found", false},
		{"forbidden", "4", &reminder.ForbiddenError{ReminderID: 4, RequesterID: 7}, "belongs to someone else", false},
		{"storage", "4", reminder.Storage("update", errors.New("disk I/O error")), "Storage is unavailable", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ad := &fakeAdapter{}
			err := New(Deps{Reminders: &fakeReminders{err: tc.err}}).delete(context.Background(), request(ad, 7, tc.args))
			if (err != nil) != tc.wantErr {
				t.Fatalf("delete error = %v, wantErr %v", err, tc.wantErr)
			}
			if !strings.Contains(ad.last(), tc.want) {
				t.Fatalf("reply = %q, want %q", ad.last(), tc.want)
			}
		})
	}
}

func TestReactivateReportsNextDue(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	loc := time.FixedZone("WIB", 7*3600)
	if err := New(Deps{Reminders: &fakeReminders{}, Location: loc}).reactivate(context.Background(), request(ad, 7, "3")); err != nil {
		t.Fatalf("reactivate error: %v", err)
	}
	if !strings.Contains(ad.last(), "2025-01-07 15:30") {
		t.Fatalf("reply = %q", ad.last())
	}
}

func TestCallbacks(t *testing.T) {
	t.Parallel()
	due := time.Date(2025, 1, 6, 8, 30, 0, 0, time.UTC)
	fr := &fakeReminders{snoozedAt: due.Add(5 * time.Minute)}
	h := New(Deps{Reminders: fr})
	ctx := context.Background()

	req := request(&fakeAdapter{}, 7, "")
	req.Payload = tgui.OccurrenceData(tgui.ActionAck, 3, due)
	if err := h.ack(ctx, req); err != nil {
		t.Fatalf("ack error: %v", err)
	}
	if len(fr.acked) != 1 || !fr.acked[0].Same(reminder.OccurrenceRef{ReminderID: 3, DueAt: due}) {
		t.Fatalf("acked = %+v", fr.acked)
	}
	if got := req.Answered(); got != "✅ Marked as completed" {
		t.Fatalf("ack toast = %q", got)
	}

	req = request(&fakeAdapter{}, 7, "")
	req.Payload = tgui.OccurrenceData(tgui.ActionSnooze, 3, due)
	if err := h.snooze(ctx, req); err != nil {
		t.Fatalf("snooze error: %v", err)
	}
	if got := req.Answered(); got != "⏰ Snoozed until 08:35" {
		t.Fatalf("snooze toast = %q", got)
	}

	req = request(&fakeAdapter{}, 7, "")
	req.Payload = "ack:garbage"
	if err := h.ack(ctx, req); err != nil || req.Answered() != textStaleButton {
		t.Fatalf("bad data: err = %v, toast = %q", err, req.Answered())
	}

	stale := New(Deps{Reminders: &fakeReminders{err: &reminder.NotFoundError{What: "occurrence of reminder", ID: 3}}})
	req = request(&fakeAdapter{}, 7, "")
	req.Payload = tgui.OccurrenceData(tgui.ActionAck, 3, due)
	if err := stale.ack(ctx, req); err != nil || !strings.Contains(req.Answered(), "no longer waiting") {
		t.Fatalf("stale ack: err = %v, toast = %q", err, req.Answered())
	}
}

func TestHealthReport(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tally := eventbus.NewTally(ctx, bus)

	h := New(Deps{
		Reminders: &fakeReminders{health: scheduler.Health{
			SchedulerRunning: true, StoreOK: true, PendingTriggerCount: 4, LastPoll: now.Add(-3 * time.Second),
		}},
		Breaker: func() engine.BreakerState { return engine.BreakerState{Open: true, Fails: 5, OpenUntil: now.Add(time.Minute)} },
		Engine:  func() engine.Snapshot { return engine.Snapshot{Workers: 4, QueueCap: 256, InFlight: 1} },
		Events:  tally,
		Started: now.Add(-time.Hour),
		Now:     func() time.Time { return now },
	})
	report := h.healthReport(context.Background())
	for _, want := range []string{"✅ scheduler running", "✅ store reachable", "Pending triggers: 4", "Last poll: 3s ago", "Uptime: 1h0m0s", "breaker OPEN until 09:01:00", "Workers 4, queue 0/256, in flight 1"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report %q missing %q", report, want)
		}
	}
}

func TestUserMessage(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err      error
		want     string
		expected bool
	}{
		{&reminder.ValidationError{Field: "time", Reason: "use HH:MM"}, "❌ Invalid time: use HH:MM.", true},
		{engine.ErrKeyBusy, "Busy", true},
		{context.DeadlineExceeded, "took too long", false},
		{errors.New("boom"), "Something went wrong", false},
	}
	for _, tc := range cases {
		msg, expected := userMessage(tc.err)
		if !strings.Contains(msg, tc.want) || expected != tc.expected {
			t.Fatalf("userMessage(%v) = %q, %v; want %q, %v", tc.err, msg, expected, tc.want, tc.expected)
		}
	}
}

func TestCommandsRegisterWithRouter(t *testing.T) {
	t.Parallel()
	h := New(Deps{Reminders: &fakeReminders{}})
	r := router.New(&fakeAdapter{}, nil, logx.Nop())
	r.SetRegistry(h.Commands(), h.Callbacks())
	names := map[string]bool{}
	for _, c := range r.Commands() {
		names[c.Name] = c.AdminOnly
	}
	for _, n := range []string{"start", "help", "set", "view", "delete", "reactivate", "health"} {
		if _, ok := names[n]; !ok {
			t.Fatalf("command %q not registered", n)
		}
	}
	if !names["health"] {
		t.Fatal("/health must be admin-only")
	}
	if help := r.HelpText(false); strings.Contains(help, "/health") {
		t.Fatalf("help leaks admin command: %q", help)
	}
}

func TestStartShowsMainMenu(t *testing.T) {
	t.Parallel()
	h := New(Deps{Reminders: &fakeReminders{}})
	ad := &fakeAdapter{}
	if err := h.start(context.Background(), request(ad, 7, "")); err != nil {
		t.Fatalf("start error: %v", err)
	}
	var data []string
	for _, row := range ad.buttons() {
		for _, b := range row {
			data = append(data, b[strings.Index(b, "|")+1:])
		}
	}
	want := []string{"menu:set", "menu:view", "menu:delete", "menu:help"}
	if strings.Join(data, ",") != strings.Join(want, ",") {
		t.Fatalf("menu buttons = %q, want %q", data, want)
	}
}

func TestMenuEditsPressedMessage(t *testing.T) {
	t.Parallel()
	cases := []struct {
		item, want string
	}{
		{tgui.MenuHome, "Main Menu"},
		{tgui.MenuSet, "Usage: /set"},
		{tgui.MenuView, "Your reminders"},
		{tgui.MenuHelp, "How to use Reminder Bot"},
	}
	for _, tc := range cases {
		t.Run(tc.item, func(t *testing.T) {
			t.Parallel()
			fr := &fakeReminders{}
			if _, err := fr.CreateReminder(context.Background(), scheduler.NewReminder{OwnerID: 7, Text: "pills", IntervalDays: 1}); err != nil {
				t.Fatal(err)
			}
			h := New(Deps{Reminders: fr})
			ad := &fakeAdapter{}
			if err := h.menu(context.Background(), press(ad, 7, tgui.MenuData(tc.item))); err != nil {
				t.Fatalf("menu error: %v", err)
			}
			if len(ad.edits) != 1 || ad.edits[0] != (kit.MessageRef{ChatID: 7, MessageID: 40}) {
				t.Fatalf("edits = %+v, want message 40", ad.edits)
			}
			if !strings.Contains(ad.last(), tc.want) {
				t.Fatalf("text = %q, want %q", ad.last(), tc.want)
			}
			if len(ad.buttons()) == 0 {
				t.Fatal("menu screen has no buttons")
			}
		})
	}
}

func TestDeletePicker(t *testing.T) {
	t.Parallel()
	fr := &fakeReminders{}
	ctx := context.Background()
	for _, text := range []string{"Take vitamins", "Water the plants on the balcony every morning"} {
		if _, err := fr.CreateReminder(ctx, scheduler.NewReminder{OwnerID: 7, Text: text, IntervalDays: 1}); err != nil {
			t.Fatal(err)
		}
	}
	h := New(Deps{Reminders: fr})
	ad := &fakeAdapter{}
	if err := h.menu(ctx, press(ad, 7, tgui.MenuData(tgui.MenuDelete))); err != nil {
		t.Fatalf("picker error: %v", err)
	}
	if !strings.Contains(ad.last(), "Select a reminder to delete") {
		t.Fatalf("picker text = %q", ad.last())
	}
	got := ad.buttons()
	want := [][]string{
		{"🗑 Take vitamins|del:1"},
		{"🗑 " + tgui.TruncRunes("Water the plants on the balcony every morning", pickerLabelRunes) + "|del:2"},
		{"🏠 Back to Menu|menu:home"},
	}
	if len(got) != len(want) {
		t.Fatalf("picker rows = %q, want %q", got, want)
	}
	for i := range want {
		if len(got[i]) != 1 || got[i][0] != want[i][0] {
			t.Fatalf("row %d = %q, want %q", i, got[i], want[i])
		}
	}

	req := press(ad, 7, got[1][0][strings.Index(got[1][0], "|")+1:])
	if err := h.deleteButton(ctx, req); err != nil {
		t.Fatalf("delete button error: %v", err)
	}
	if len(fr.deleted) != 1 || fr.deleted[0] != 2 {
		t.Fatalf("deleted = %v, want [2]", fr.deleted)
	}
	if !strings.Contains(ad.last(), "Reminder ID 2 has been deleted") || req.Answered() == "" {
		t.Fatalf("text = %q, toast = %q", ad.last(), req.Answered())
	}
}

func TestDeletePickerEmpty(t *testing.T) {
	t.Parallel()
	h := New(Deps{Reminders: &fakeReminders{}})
	ad := &fakeAdapter{}
	if err := h.menu(context.Background(), press(ad, 7, tgui.MenuData(tgui.MenuDelete))); err != nil {
		t.Fatalf("picker error: %v", err)
	}
	if !strings.Contains(ad.last(), "No Active Reminders to Delete") {
		t.Fatalf("text = %q", ad.last())
	}
}

func TestDeleteButtonErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := New(Deps{Reminders: &fakeReminders{}})
	req := press(&fakeAdapter{}, 7, "del:nope")
	if err := h.deleteButton(ctx, req); err != nil || req.Answered() != textStaleButton {
		t.Fatalf("bad data: err = %v, toast = %q", err, req.Answered())
	}

	denied := New(Deps{Reminders: &fakeReminders{err: reminder.ErrForbidden}})
	ad := &fakeAdapter{}
	req = press(ad, 7, tgui.DeleteData(3))
	if err := denied.deleteButton(ctx, req); err != nil {
		t.Fatalf("forbidden delete returned %v", err)
	}
	if req.Answered() == "" || len(ad.edits) != 0 {
		t.Fatalf("toast = %q, edits = %+v", req.Answered(), ad.edits)
	}
}
