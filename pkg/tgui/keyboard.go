package tgui

import tele "gopkg.in/telebot.v4"

// MaxCallbackDataLen is the Bot API limit on callback_data, in bytes.
const MaxCallbackDataLen = 64

// Inline accumulates rows of callback buttons.
type Inline struct {
	rows [][]tele.Btn
}

func NewInline() *Inline { return &Inline{} }

// Row appends one row. Empty rows are ignored.
func (k *Inline) Row(btns ...tele.Btn) *Inline {
	if len(btns) > 0 {
		k.rows = append(k.rows, btns)
	}
	return k
}

// Grid lays btns out n per row, keeping their order.
func Grid(n int, btns ...tele.Btn) *Inline {
	if n <= 0 {
		n = 1
	}
	k := NewInline()
	for len(btns) > 0 {
		take := min(n, len(btns))
		k.Row(btns[:take]...)
		btns = btns[take:]
	}
	return k
}

// Markup converts the rows to telebot's inline keyboard.
func (k *Inline) Markup() *tele.ReplyMarkup {
	if k == nil || len(k.rows) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(k.rows))
	for _, r := range k.rows {
		rows = append(rows, rm.Row(r...))
	}
	rm.Inline(rows...)
	return rm
}

// Button is a callback button. data should come from a callback.Command
// encoder and fit MaxCallbackDataLen.
func Button(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// Buttons reads an inline keyboard back as rows of text/data pairs.
func Buttons(rm *tele.ReplyMarkup) [][]tele.Btn {
	if rm == nil {
		return nil
	}
	out := make([][]tele.Btn, len(rm.InlineKeyboard))
	for i, row := range rm.InlineKeyboard {
		for _, b := range row {
			out[i] = append(out[i], tele.Btn{Text: b.Text, Data: b.Data})
		}
	}
	return out
}
