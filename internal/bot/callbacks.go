package bot

import (
	"context"

	"nagbot/internal/reminder"
	"nagbot/internal/transport/telegram/router"
	logx "nagbot/pkg/logx"
	"nagbot/pkg/tgui"
)

const textStaleButton = "This button is no longer valid."

func occurrence(req *router.Request) (reminder.OccurrenceRef, bool) {
	cb, err := tgui.ParseOccurrenceData(req.Payload)
	if err != nil {
		req.Logger.Warn("bad callback data", logx.String("data", req.Payload), logx.Err(err))
		return reminder.OccurrenceRef{}, false
	}
	return reminder.OccurrenceRef{ReminderID: cb.ReminderID, DueAt: cb.DueAt}, true
}

func (h *Handlers) ack(ctx context.Context, req *router.Request) error {
	occ, ok := occurrence(req)
	if !ok {
		req.Answer(textStaleButton)
		return nil
	}
	out, err := h.d.Reminders.Acknowledge(ctx, occ, req.FromID)
	if err != nil {
		return h.failToast(req, "acknowledge", err)
	}
	if out == reminder.OutcomeAcknowledged {
		req.Answer("✅ Marked as completed")
	}
	return nil
}

func (h *Handlers) snooze(ctx context.Context, req *router.Request) error {
	occ, ok := occurrence(req)
	if !ok {
		req.Answer(textStaleButton)
		return nil
	}
	at, err := h.d.Reminders.Snooze(ctx, occ, req.FromID)
	if err != nil {
		return h.failToast(req, "snooze", err)
	}
	req.Answer("⏰ Snoozed until " + h.stamp(at, "15:04"))
	return nil
}

func (h *Handlers) failToast(req *router.Request, op string, err error) error {
	msg, expected := userMessage(err)
	req.Answer(msg)
	if expected {
		req.Logger.Info(op+" rejected", logx.Err(err))
		return nil
	}
	return err
}
