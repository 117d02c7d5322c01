package tgui

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	ActionAck    = "ack"
	ActionSnooze = "snz"
	ActionMenu   = "menu"
	ActionDelete = "del"
)

// Main menu items, encoded as "menu:<item>".
const (
	MenuHome   = "home"
	MenuSet    = "set"
	MenuView   = "view"
	MenuDelete = "delete"
	MenuHelp   = "help"
)

// Data joins callback parts with ':'. Parts must not contain ':'.
func Data(action string, parts ...string) (string, error) {
	action = strings.TrimSpace(action)
	s := action
	for _, p := range parts {
		if strings.Contains(p, ":") {
			return "", fmt.Errorf("%w: part %q contains ':'", ErrCallbackData, p)
		}
		s += ":" + p
	}
	if len(s) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return s, nil
}

// OccurrenceData encodes an occurrence button as "action:<id>:<unix>".
func OccurrenceData(action string, reminderID int64, dueAt time.Time) string {
	s, _ := Data(action, strconv.FormatInt(reminderID, 10), strconv.FormatInt(dueAt.Unix(), 10))
	return s
}

// CallbackOccurrence is a decoded occurrence button.
type CallbackOccurrence struct {
	Action     string
	ReminderID int64
	DueAt      time.Time
}

func ParseOccurrenceData(data string) (CallbackOccurrence, error) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) != 3 {
		return CallbackOccurrence{}, fmt.Errorf("%w: %q", ErrCallbackData, data)
	}
	switch parts[0] {
	case ActionAck, ActionSnooze:
	default:
		return CallbackOccurrence{}, fmt.Errorf("%w: unknown action %q", ErrCallbackData, parts[0])
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return CallbackOccurrence{}, fmt.Errorf("%w: bad id in %q", ErrCallbackData, data)
	}
	unix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return CallbackOccurrence{}, fmt.Errorf("%w: bad time in %q", ErrCallbackData, data)
	}
	return CallbackOccurrence{Action: parts[0], ReminderID: id, DueAt: time.Unix(unix, 0).UTC()}, nil
}

// MenuData encodes a main menu button.
func MenuData(item string) string {
	s, _ := Data(ActionMenu, item)
	return s
}

// ParseMenuData returns the item of a "menu:<item>" button.
func ParseMenuData(data string) (string, error) {
	action, item, ok := strings.Cut(strings.TrimSpace(data), ":")
	if !ok || action != ActionMenu || item == "" || strings.Contains(item, ":") {
		return "", fmt.Errorf("%w: %q", ErrCallbackData, data)
	}
	return item, nil
}

// DeleteData encodes a delete-picker button as "del:<id>".
func DeleteData(reminderID int64) string {
	s, _ := Data(ActionDelete, strconv.FormatInt(reminderID, 10))
	return s
}

func ParseDeleteData(data string) (int64, error) {
	action, rest, ok := strings.Cut(strings.TrimSpace(data), ":")
	if !ok || action != ActionDelete {
		return 0, fmt.Errorf("%w: %q", ErrCallbackData, data)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad id in %q", ErrCallbackData, data)
	}
	return id, nil
}
