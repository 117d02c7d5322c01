// Package bot implements the reminder bot's commands and inline-button
// callbacks on top of the scheduler.
package bot

import (
	"context"
	"time"

	"nagbot/internal/eventbus"
	"nagbot/internal/reminder"
	rtsup "nagbot/internal/runtime/supervisor"
	"nagbot/internal/scheduler"
	"nagbot/internal/task/engine"
	"nagbot/internal/transport/telegram/router"
	logx "nagbot/pkg/logx"
	"nagbot/pkg/tgui"
)

// Reminders is the part of *scheduler.Service the handlers drive.
type Reminders interface {
	CreateReminder(ctx context.Context, in scheduler.NewReminder) (int64, error)
	Overview(ctx context.Context, ownerID int64) ([]scheduler.Entry, error)
	DeleteReminder(ctx context.Context, reminderID, requesterID int64) error
	Reactivate(ctx context.Context, reminderID, requesterID int64) (time.Time, error)
	Acknowledge(ctx context.Context, occ reminder.OccurrenceRef, requesterID int64) (reminder.Outcome, error)
	Snooze(ctx context.Context, occ reminder.OccurrenceRef, requesterID int64) (time.Time, error)
	GetHealth(ctx context.Context) scheduler.Health
}

// Deps wires the handlers. Only Reminders is required; the rest feed /help
// and /health and are skipped when nil.
type Deps struct {
	Reminders Reminders
	Location  *time.Location
	Help      func(isAdmin bool) string

	Engine      func() engine.Snapshot
	Breaker     func() engine.BreakerState
	Events      *eventbus.Tally
	Supervisors *rtsup.Registry
	Started     time.Time
	Now         func() time.Time

	Log logx.Logger
}

type Handlers struct {
	d   Deps
	log logx.Logger
}

func New(d Deps) *Handlers {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{d: d, log: log.With(logx.String("comp", "bot"))}
}

func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "welcome and quick help", Handle: h.start},
		{Name: "help", Description: "how to use the bot", Handle: h.help},
		{
			Name:        "set",
			Aliases:     []string{"new"},
			Description: "create a reminder",
			Usage:       "/set HH:MM DAYS text",
			Handle:      h.set,
		},
		{Name: "view", Aliases: []string{"list"}, Description: "list your reminders", Handle: h.view},
		{Name: "delete", Description: "delete a reminder", Usage: "/delete ID", Handle: h.delete},
		{Name: "reactivate", Description: "resume a suspended reminder", Usage: "/reactivate ID", Handle: h.reactivate},
		{Name: "health", Description: "scheduler and delivery health", AdminOnly: true, Handle: h.health},
	}
}

func (h *Handlers) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Action: tgui.ActionAck, Handle: h.ack},
		{Action: tgui.ActionSnooze, Handle: h.snooze},
		{Action: tgui.ActionMenu, Handle: h.menu},
		{Action: tgui.ActionDelete, Handle: h.deleteButton},
	}
}
