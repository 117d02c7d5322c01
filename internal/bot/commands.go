package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"nagbot/internal/scheduler"
	"nagbot/internal/transport/telegram/router"
	logx "nagbot/pkg/logx"
	"nagbot/pkg/tgui"
)

const (
	setUsage  = "Usage: /set HH:MM DAYS text\nDAYS is 0 for one-time, 1 for daily, 7 for weekly."
	viewLimit = 10
)

func (h *Handlers) start(ctx context.Context, req *router.Request) error {
	msg := tgui.Lines(
		tgui.H("👋 ")+tgui.B("Welcome to the Reminder Bot!"),
		"🔔 I'll keep reminding you until you confirm. Unanswered reminders escalate and are suspended after the last attempt.",
		tgui.H("Create one with ")+tgui.Code("/set 08:30 1 Take vitamins")+", list them with /view.",
		"Send /help for details.",
	)
	return req.ReplyWith(ctx, msg.String(), mainMenu())
}

func (h *Handlers) help(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, h.helpText(req.IsAdmin))
}

func (h *Handlers) helpText(isAdmin bool) string {
	msg := tgui.Lines(
		tgui.B("📋 How to use Reminder Bot"),
		tgui.B("⏰ Time format:")+" HH:MM, 24-hour, e.g. 14:30",
		tgui.B("🔄 Repeat:")+" 0 days for one-time, 1 daily, 7 weekly, up to 365",
		tgui.B("📱 Notifications:")+" ✅ confirms, ⏰ snoozes for 5 minutes. Retries come at growing intervals (5, 10, 15 min...).",
	)
	out := msg.String()
	if h.d.Help != nil {
		out += "\n\n" + h.d.Help(isAdmin)
	}
	return out
}

// set handles "/set HH:MM DAYS text".
func (h *Handlers) set(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 3 {
		return req.Reply(ctx, string(tgui.Esc(setUsage)))
	}
	days, err := strconv.Atoi(req.Args[1])
	if err != nil {
		return req.Reply(ctx, "❌ DAYS must be a number (0-365).\n"+string(tgui.Esc(setUsage)))
	}
	id, err := h.d.Reminders.CreateReminder(ctx, scheduler.NewReminder{
		OwnerID:      req.FromID,
		ChatID:       req.Chat.ChatID,
		Text:         req.Rest(2),
		TimeOfDay:    req.Args[0],
		IntervalDays: days,
	})
	if err != nil {
		return h.fail(ctx, req, "create reminder", err)
	}
	entries, err := h.d.Reminders.Overview(ctx, req.FromID)
	if err != nil {
		return h.fail(ctx, req, "load reminder", err)
	}
	for _, e := range entries {
		if e.Reminder.ID != id {
			continue
		}
		r := e.Reminder
		return req.Reply(ctx, tgui.Lines(
			tgui.H("✅ ")+tgui.B("Reminder created")+tgui.H(fmt.Sprintf(" (ID: %d)", id)),
			tgui.B("📝 Text:")+" "+tgui.Esc(r.Text),
			tgui.B("⏰ Time:")+" "+tgui.H(r.TimeOfDay().String()),
			tgui.B("🔄 Repeat:")+" "+tgui.Esc(intervalText(r.IntervalDays)),
			tgui.H("🔔 Next notification: ")+tgui.B(h.stamp(r.DueAt, "2006-01-02 15:04")),
		).String())
	}
	return req.Reply(ctx, fmt.Sprintf("✅ Reminder created (ID: %d)", id))
}

func (h *Handlers) view(ctx context.Context, req *router.Request) error {
	msg, err := h.viewText(ctx, req.FromID)
	if err != nil {
		return h.fail(ctx, req, "list reminders", err)
	}
	return req.Reply(ctx, msg.String())
}

func (h *Handlers) viewText(ctx context.Context, ownerID int64) (tgui.H, error) {
	entries, err := h.d.Reminders.Overview(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return tgui.Lines(
			tgui.B("📭 No reminders"),
			"Use /set to create your first reminder!",
		), nil
	}
	lines := []tgui.H{tgui.B("📋 Your reminders:")}
	for i, e := range entries {
		if i == viewLimit {
			lines = append(lines, tgui.I(fmt.Sprintf("... and %d more", len(entries)-viewLimit)))
			break
		}
		lines = append(lines, h.entryLines(e)...)
	}
	return tgui.Lines(lines...), nil
}

func (h *Handlers) entryLines(e scheduler.Entry) []tgui.H {
	r := e.Reminder
	head := tgui.H(statusIcon(e.State)+" ") + tgui.B(r.Text) + tgui.H(fmt.Sprintf(" (ID: %d)", r.ID))
	sched := tgui.H("   ⏰ "+r.TimeOfDay().String()+" • 🔄 ") + tgui.Esc(intervalText(r.IntervalDays))
	var next tgui.H
	switch e.State.Phase {
	case scheduler.PhaseSuspended:
		next = tgui.H("   ⏸ Suspended, resume with ") + tgui.Code("/reactivate "+strconv.FormatInt(r.ID, 10))
	case scheduler.PhaseAwaitingAck:
		next = tgui.H(fmt.Sprintf("   📊 Attempt %d/%d", e.State.Attempt, r.MaxAttempts))
		if !e.State.RetryAt.IsZero() {
			next += tgui.H(", next at " + h.stamp(e.State.RetryAt, "15:04"))
		}
	default:
		next = tgui.H("   📅 Next: " + h.stamp(r.DueAt, "01-02 15:04 MST"))
	}
	return []tgui.H{head, sched, next}
}

func statusIcon(st scheduler.State) string {
	switch st.Phase {
	case scheduler.PhaseSuspended:
		return "⏸"
	case scheduler.PhaseAwaitingAck:
		return fmt.Sprintf("⚠️(%d)", st.Attempt)
	}
	return "🔔"
}

func intervalText(days int) string {
	switch days {
	case 0:
		return "One-time"
	case 1:
		return "Daily"
	case 7:
		return "Weekly"
	}
	return fmt.Sprintf("Every %d days", days)
}

func (h *Handlers) stamp(t time.Time, layout string) string {
	return t.In(h.d.Location).Format(layout)
}

// reminderID parses the single ID argument of /delete and /reactivate.
func reminderID(req *router.Request) (int64, bool) {
	if len(req.Args) != 1 {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(req.Args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (h *Handlers) delete(ctx context.Context, req *router.Request) error {
	id, ok := reminderID(req)
	if !ok {
		return req.Reply(ctx, "Usage: /delete ID\nFind IDs with /view.")
	}
	if err := h.d.Reminders.DeleteReminder(ctx, id, req.FromID); err != nil {
		return h.fail(ctx, req, "delete reminder", err)
	}
	return req.Reply(ctx, fmt.Sprintf("🗑 Reminder %d deleted.", id))
}

func (h *Handlers) reactivate(ctx context.Context, req *router.Request) error {
	id, ok := reminderID(req)
	if !ok {
		return req.Reply(ctx, "Usage: /reactivate ID\nFind IDs with /view.")
	}
	due, err := h.d.Reminders.Reactivate(ctx, id, req.FromID)
	if err != nil {
		return h.fail(ctx, req, "reactivate reminder", err)
	}
	return req.Reply(ctx, fmt.Sprintf("▶️ Reminder %d is active again. Next notification: <b>%s</b>", id, h.stamp(due, "2006-01-02 15:04")))
}

// fail replies with the user-facing form of err. Unexpected errors are logged
// and returned so the request log records them.
func (h *Handlers) fail(ctx context.Context, req *router.Request, op string, err error) error {
	msg, expected := userMessage(err)
	_ = req.Reply(ctx, string(tgui.Esc(msg)))
	if expected {
		req.Logger.Info(op+" rejected", logx.Err(err))
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Reminders = (*scheduler.Service)(nil)
