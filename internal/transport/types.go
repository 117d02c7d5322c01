package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Handle renders the ref as the opaque string kept in notification history.
func (r MessageRef) Handle() string {
	if r.ChatID == 0 && r.MessageID == 0 {
		return ""
	}
	return strconv.FormatInt(r.ChatID, 10) + ":" + strconv.Itoa(r.MessageID)
}

// ParseHandle is the inverse of MessageRef.Handle.
func ParseHandle(h string) (MessageRef, error) {
	chat, msg, ok := strings.Cut(strings.TrimSpace(h), ":")
	if !ok {
		return MessageRef{}, fmt.Errorf("malformed handle %q", h)
	}
	c, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return MessageRef{}, fmt.Errorf("malformed handle %q: %w", h, err)
	}
	m, err := strconv.Atoi(msg)
	if err != nil || m <= 0 {
		return MessageRef{}, fmt.Errorf("malformed handle %q", h)
	}
	return MessageRef{ChatID: c, MessageID: m}, nil
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Action is an inline button attached to a delivery.
type Action struct {
	Label string
	Data  string
}

// Delivery is one reminder notification.
type Delivery struct {
	ChatID  int64
	Text    string // HTML
	Actions []Action
}

// Deliverer is what the scheduler needs from a messaging transport.
//
// Deliver returns an opaque handle for later Retract/Edit, or a
// *reminder.DeliveryError. Retract and Edit are best-effort.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) (string, error)
	Retract(ctx context.Context, handle string) error
	Edit(ctx context.Context, handle string, text string) error
	Send(ctx context.Context, chatID int64, text string) error
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
