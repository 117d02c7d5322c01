package bot

import (
	"context"
	"errors"
	"fmt"

	"nagbot/internal/reminder"
	"nagbot/internal/task/engine"
)

// userMessage converts a handler error into the reply shown to the user.
// expected is false for failures worth an error log.
func userMessage(err error) (msg string, expected bool) {
	var (
		verr *reminder.ValidationError
		nerr *reminder.NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		return fmt.Sprintf("❌ Invalid %s: %s.", verr.Field, verr.Reason), true
	case errors.As(err, &nerr):
		if nerr.What != "" {
			return "This reminder is no longer waiting for an answer.", true
		}
		return fmt.Sprintf("❓ Reminder %d not found.", nerr.ID), true
	case errors.Is(err, reminder.ErrForbidden):
		return "⛔ That reminder belongs to someone else.", true
	case errors.Is(err, engine.ErrKeyBusy), errors.Is(err, engine.ErrQueueFull):
		return "⏳ Busy, please try again in a moment.", true
	case errors.Is(err, reminder.ErrStorage):
		return "⚠️ Storage is unavailable right now. Please try again later.", false
	case errors.Is(err, context.DeadlineExceeded):
		return "⌛ That took too long. Please try again.", false
	}
	return "❌ Something went wrong. Please try again later.", false
}
