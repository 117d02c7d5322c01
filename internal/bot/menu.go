package bot

import (
	"context"
	"fmt"

	kit "nagbot/internal/transport"
	"nagbot/internal/transport/telegram/router"
	logx "nagbot/pkg/logx"
	"nagbot/pkg/tgui"
)

const pickerLabelRunes = 30

var homeRow = []kit.Action{{Label: "🏠 Back to Menu", Data: tgui.MenuData(tgui.MenuHome)}}

func mainMenu() any {
	return tgui.Rows([][]kit.Action{
		{
			{Label: "➕ Set Reminder", Data: tgui.MenuData(tgui.MenuSet)},
			{Label: "📋 View Reminders", Data: tgui.MenuData(tgui.MenuView)},
		},
		{
			{Label: "🗑 Delete Reminder", Data: tgui.MenuData(tgui.MenuDelete)},
			{Label: "❓ Help", Data: tgui.MenuData(tgui.MenuHelp)},
		},
	})
}

func backToMenu() any { return tgui.Rows([][]kit.Action{homeRow}) }

// menu handles the main menu buttons by replacing the pressed message.
func (h *Handlers) menu(ctx context.Context, req *router.Request) error {
	item, err := tgui.ParseMenuData(req.Payload)
	if err != nil {
		req.Logger.Warn("bad callback data", logx.String("data", req.Payload), logx.Err(err))
		req.Answer(textStaleButton)
		return nil
	}
	switch item {
	case tgui.MenuHome:
		return req.Show(ctx, tgui.Lines(
			tgui.B("🏠 Main Menu"),
			"Choose an option below:",
		).String(), mainMenu())
	case tgui.MenuSet:
		return req.Show(ctx, tgui.Lines(
			tgui.B("➕ Create a reminder"),
			tgui.Esc(setUsage),
			tgui.H("Example: ")+tgui.Code("/set 08:30 1 Take vitamins"),
		).String(), backToMenu())
	case tgui.MenuView:
		msg, err := h.viewText(ctx, req.FromID)
		if err != nil {
			return h.failToast(req, "list reminders", err)
		}
		return req.Show(ctx, msg.String(), backToMenu())
	case tgui.MenuDelete:
		return h.deletePicker(ctx, req)
	case tgui.MenuHelp:
		return req.Show(ctx, h.helpText(req.IsAdmin), backToMenu())
	}
	req.Answer(textStaleButton)
	return nil
}

// deletePicker lists the caller's reminders as delete buttons.
func (h *Handlers) deletePicker(ctx context.Context, req *router.Request) error {
	entries, err := h.d.Reminders.Overview(ctx, req.FromID)
	if err != nil {
		return h.failToast(req, "list reminders", err)
	}
	if len(entries) == 0 {
		return req.Show(ctx, tgui.Lines(
			tgui.B("📭 No Active Reminders to Delete"),
			"Use /set to create your first reminder!",
		).String(), backToMenu())
	}
	rows := make([][]kit.Action, 0, viewLimit+1)
	for i, e := range entries {
		if i == viewLimit {
			break
		}
		r := e.Reminder
		rows = append(rows, []kit.Action{{
			Label: "🗑 " + tgui.TruncRunes(r.Text, pickerLabelRunes),
			Data:  tgui.DeleteData(r.ID),
		}})
	}
	rows = append(rows, homeRow)
	return req.Show(ctx, tgui.Lines(
		tgui.B("🗑 Delete Reminder"),
		"Select a reminder to delete:",
	).String(), tgui.Rows(rows))
}

// deleteButton handles a "del:<id>" press from the picker.
func (h *Handlers) deleteButton(ctx context.Context, req *router.Request) error {
	id, err := tgui.ParseDeleteData(req.Payload)
	if err != nil {
		req.Logger.Warn("bad callback data", logx.String("data", req.Payload), logx.Err(err))
		req.Answer(textStaleButton)
		return nil
	}
	if err := h.d.Reminders.DeleteReminder(ctx, id, req.FromID); err != nil {
		return h.failToast(req, "delete reminder", err)
	}
	req.Answer("🗑 Deleted")
	return req.Show(ctx, tgui.Lines(
		tgui.H("✅ ")+tgui.B("Reminder Deleted Successfully!"),
		tgui.H(fmt.Sprintf("Reminder ID %d has been deleted.", id)),
	).String(), backToMenu())
}
