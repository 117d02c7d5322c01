package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"nagbot/internal/reminder"
	kit "nagbot/internal/transport"
	"nagbot/pkg/tgui"
)

const (
	labelAck    = "✅ Completed"
	labelSnooze = "⏰ Snooze 5min"
)

func urgency(attempt int) string {
	switch {
	case attempt >= 5:
		return "🚨"
	case attempt >= 3:
		return "⚠️"
	default:
		return "🔔"
	}
}

func recurrenceLine(days int) tgui.H {
	switch {
	case days == 1:
		return "🔄 Daily reminder"
	case days > 1:
		return tgui.H(fmt.Sprintf("🔄 Repeats every %d day(s)", days))
	}
	return ""
}

// notification renders attempt seq of the occurrence with its buttons.
func notification(rem reminder.Reminder, occ reminder.OccurrenceRef, seq, limit int) kit.Delivery {
	var progress tgui.H
	if seq > 1 {
		progress = tgui.H(fmt.Sprintf("📊 Attempt %d/%d", seq, limit))
	}
	text := tgui.Lines(
		tgui.H(urgency(seq)+" ")+tgui.B("Reminder:")+" "+tgui.Esc(rem.Text),
		progress,
		recurrenceLine(rem.IntervalDays),
	)
	return kit.Delivery{
		ChatID: rem.ChatID,
		Text:   text.String(),
		Actions: []kit.Action{
			{Label: labelAck, Data: tgui.OccurrenceData(tgui.ActionAck, occ.ReminderID, occ.DueAt)},
			{Label: labelSnooze, Data: tgui.OccurrenceData(tgui.ActionSnooze, occ.ReminderID, occ.DueAt)},
		},
	}
}

func finalWarning(rem reminder.Reminder, limit int) string {
	return tgui.Lines(
		tgui.H("⚠️ ")+tgui.B("Final Warning"),
		tgui.H("Reminder: ")+tgui.Esc(rem.Text),
		tgui.H(fmt.Sprintf("This reminder has reached the maximum number of attempts (%d) and has been suspended.", limit)),
		tgui.H("You can reactivate it later with ")+tgui.Code("/reactivate "+strconv.FormatInt(rem.ID, 10))+".",
	).String()
}

func completedText(rem reminder.Reminder, at time.Time, loc *time.Location) string {
	return tgui.Lines(
		tgui.H("✅ ")+tgui.B("Completed:")+" "+tgui.Esc(rem.Text),
		tgui.H("⏰ "+at.In(loc).Format("15:04")),
	).String()
}

func snoozedText(rem reminder.Reminder, offset time.Duration) string {
	return tgui.Lines(
		tgui.H("⏰ ")+tgui.B(fmt.Sprintf("Snoozed for %d minutes", int(offset/time.Minute))),
		tgui.Esc(rem.Text),
	).String()
}
