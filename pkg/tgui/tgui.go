package tgui

import (
	tele "gopkg.in/telebot.v4"

	kit "nagbot/internal/transport"
)

// Inline is a small builder for inline keyboards (ReplyMarkup).
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends a new row (buttons) to the inline keyboard.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Btn creates a callback button with raw callback_data.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// Keyboard lays actions out on a single row. nil when there are none.
func Keyboard(actions []kit.Action) *tele.ReplyMarkup {
	if len(actions) == 0 {
		return nil
	}
	btns := make([]tele.Btn, 0, len(actions))
	for _, a := range actions {
		btns = append(btns, Btn(a.Label, a.Data))
	}
	return NewInline().Row(btns...).Markup()
}

// Rows lays actions out one inner slice per row. Empty rows are skipped; nil
// when nothing is left.
func Rows(rows [][]kit.Action) *tele.ReplyMarkup {
	in := NewInline()
	n := 0
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		btns := make([]tele.Btn, 0, len(row))
		for _, a := range row {
			btns = append(btns, Btn(a.Label, a.Data))
		}
		in.Row(btns...)
		n++
	}
	if n == 0 {
		return nil
	}
	return in.Markup()
}
