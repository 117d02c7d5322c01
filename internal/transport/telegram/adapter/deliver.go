package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	"nagbot/internal/reminder"
	kit "nagbot/internal/transport"
	"nagbot/pkg/tgui"
)

// ErrBreakerOpen is returned while repeated transport failures keep the
// delivery breaker open.
var ErrBreakerOpen = errors.New("telegram: delivery breaker open")

var _ kit.Deliverer = (*Adapter)(nil)

// Deliver sends a reminder notification and returns its message handle.
func (a *Adapter) Deliver(ctx context.Context, d kit.Delivery) (string, error) {
	if ok, until := a.breaker.Allow(a.cfg.Now()); !ok {
		return "", &reminder.DeliveryError{Op: "deliver", Err: fmt.Errorf("%w until %s", ErrBreakerOpen, until.UTC().Format(time.RFC3339))}
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", &reminder.DeliveryError{Op: "deliver", Err: err}
	}
	so := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	if rm := tgui.Keyboard(d.Actions); rm != nil {
		so.ReplyMarkup = rm
	}
	msg, err := call(ctx, func() (*tele.Message, error) {
		return a.api.Send(&tele.Chat{ID: d.ChatID}, d.Text, so)
	})
	a.breaker.Record(a.cfg.Now(), transportFailure(err))
	if err != nil {
		return "", deliveryError("deliver", err)
	}
	return kit.MessageRef{ChatID: d.ChatID, MessageID: msg.ID}.Handle(), nil
}

// Retract deletes a delivered message.
func (a *Adapter) Retract(ctx context.Context, handle string) error {
	ref, err := kit.ParseHandle(handle)
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = call(ctx, func() (struct{}, error) { return struct{}{}, a.api.Delete(editable(ref)) })
	if err != nil {
		return deliveryError("retract", err)
	}
	return nil
}

// Edit replaces a delivered message's text and drops its buttons.
func (a *Adapter) Edit(ctx context.Context, handle string, text string) error {
	ref, err := kit.ParseHandle(handle)
	if err != nil {
		return err
	}
	if err := a.EditText(ctx, ref, text, &kit.SendOptions{ParseMode: string(tele.ModeHTML), DisablePreview: true}); err != nil {
		return deliveryError("edit", err)
	}
	return nil
}

// Send posts a plain HTML message without buttons.
func (a *Adapter) Send(ctx context.Context, chatID int64, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{ParseMode: string(tele.ModeHTML), DisablePreview: true})
	if err != nil {
		return deliveryError("send", err)
	}
	return nil
}

// SendAlert forwards a log line to an operator chat.
func (a *Adapter) SendAlert(ctx context.Context, chatID int64, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func deliveryError(op string, err error) error {
	var de *reminder.DeliveryError
	if errors.As(err, &de) {
		return de
	}
	out := &reminder.DeliveryError{Op: op, Err: err}
	var fe tele.FloodError
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		out.RetryAfter = time.Duration(fe.RetryAfter) * time.Second
	}
	return out
}

// transportFailure filters what counts toward the breaker. Errors about one
// chat (blocked bot, bad request) say nothing about Telegram's health.
func transportFailure(err error) error {
	if err == nil {
		return nil
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code >= 400 && te.Code < 500 && te.Code != http.StatusTooManyRequests {
		return nil
	}
	return err
}
