package tgui

import (
	"html"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "agroplan/internal/transport"
)

// Message is text ready for kit.Sender together with its options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

// Markup returns the attached inline keyboard, if any.
func (m Message) Markup() *tele.ReplyMarkup {
	if m.Opt == nil {
		return nil
	}
	rm, _ := m.Opt.Markup.(*tele.ReplyMarkup)
	return rm
}

// Builder assembles an HTML card line by line. All caller text is escaped.
type Builder struct {
	sb strings.Builder
	kb *Inline
}

func New() *Builder { return &Builder{} }

// Text is a single escaped line without a keyboard.
func Text(s string) Message { return New().Line(s).Build() }

func (b *Builder) raw(line string) *Builder {
	if b.sb.Len() > 0 {
		b.sb.WriteByte('\n')
	}
	b.sb.WriteString(line)
	return b
}

// Title writes a bold heading, prefixed by icon when given. A blank title
// writes nothing.
func (b *Builder) Title(icon, title string) *Builder {
	title = strings.TrimSpace(title)
	if title == "" {
		return b
	}
	head := "<b>" + html.EscapeString(title) + "</b>"
	if icon = strings.TrimSpace(icon); icon != "" {
		head = html.EscapeString(icon) + " " + head
	}
	return b.raw(head)
}

// Line writes s escaped. An empty s writes a blank line.
func (b *Builder) Line(s string) *Builder { return b.raw(html.EscapeString(s)) }

func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.Line("• " + it)
		}
	}
	return b
}

// KV writes "• <b>key</b>: value".
func (b *Builder) KV(key, value string) *Builder {
	if key = strings.TrimSpace(key); key == "" {
		return b
	}
	return b.raw("• <b>" + html.EscapeString(key) + "</b>: " + html.EscapeString(strings.TrimSpace(value)))
}

// Inline sets the keyboard; nil removes it.
func (b *Builder) Inline(kb *Inline) *Builder {
	b.kb = kb
	return b
}

// Build renders with HTML parse mode and link previews off.
func (b *Builder) Build() Message {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if rm := b.kb.Markup(); rm != nil {
		opt.Markup = rm
	}
	return Message{Text: strings.Trim(b.sb.String(), "\n"), Opt: opt}
}

// Clip shortens s to n runes, marking the cut with "…".
func Clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "…"
		}
		i++
	}
	return s
}
