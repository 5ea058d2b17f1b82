// Package transport is the chat-side contract shared by the bot router, the
// notifier and the log forwarder. Concrete adapters live in subpackages.
package transport

import "context"

type UpdateKind uint8

const (
	UpdateMessage UpdateKind = iota + 1
	UpdateCallback
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateMessage:
		return "message"
	case UpdateCallback:
		return "callback"
	}
	return "unknown"
}

// Update is one inbound event. Exactly one of Message or Callback is set,
// matching Kind.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Message is a farmer's text (usually a /command).
type Message struct {
	ID       int
	ChatID   int64
	ThreadID int
	FromID   int64
	Text     string
}

// Callback is an inline-button press. Data carries an encoded callback.Command.
type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

// Ref points at the message that carried the pressed button.
func (c Callback) Ref() MessageRef {
	return MessageRef{ChatID: c.ChatID, ThreadID: c.ThreadID, MessageID: c.MessageID}
}

// ChatTarget addresses a chat, optionally a forum topic inside it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

func (r MessageRef) Target() ChatTarget { return ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID} }

// SendOptions is the rendering hint set for one outbound text. Markup is
// transport specific; the telegram adapter accepts *telebot.ReplyMarkup and
// ignores anything else.
type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Markup         any
}

// Sender delivers text. Reminder delivery and chat logging only need this.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a full chat transport: inbound updates plus outbound replies.
type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// EditText replaces the text and keyboard of a message sent earlier.
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
