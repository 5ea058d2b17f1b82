package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "agroplan/internal/transport"
)

const (
	chatQueueSize = 256
	chatTextLimit = 3500
	chatValueMax  = 600
)

// chatSink is a zerolog.LevelWriter that renders events as short HTML
// notes for the operator chat. Writes never block: events beyond the rate
// limit or a full queue are counted and dropped.
type chatSink struct {
	sender kit.Sender

	mu       sync.Mutex
	enabled  bool
	to       kit.ChatTarget
	topic    int
	minLevel zerolog.Level
	lim      *rate.Limiter
	queue    chan chatNote
	cancel   context.CancelFunc
	done     chan struct{}

	dropped atomic.Uint64
}

type chatNote struct {
	to   kit.ChatTarget
	text string
}

func newChatSink(sender kit.Sender) *chatSink {
	return &chatSink{sender: sender, minLevel: zerolog.WarnLevel}
}

// configure applies cc and reports whether the sink should be attached.
// The delivery worker starts on first enable and lives until close.
func (c *chatSink) configure(cc ChatConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = cc.Enabled && c.sender != nil
	c.minLevel = ParseLevel(cc.MinLevel, zerolog.WarnLevel)
	rps := max(1, cc.RatePerSec)
	c.lim = rate.NewLimiter(rate.Limit(rps), rps)
	if cc.ThreadID != 0 {
		c.topic = cc.ThreadID
		c.to.ThreadID = cc.ThreadID
	}
	if !c.enabled {
		return false
	}
	if c.queue == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.queue = make(chan chatNote, chatQueueSize)
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.deliver(ctx, c.queue, c.done)
	}
	if c.to.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: chat logging enabled but no log chat is set")
	}
	return true
}

func (c *chatSink) setTarget(chatID int64, threadID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.to.ChatID = chatID
	switch {
	case threadID != 0:
		c.to.ThreadID = threadID
	default:
		c.to.ThreadID = c.topic
	}
}

func (c *chatSink) deliver(ctx context.Context, q <-chan chatNote, done chan<- struct{}) {
	defer close(done)
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-q:
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = c.sender.SendText(sctx, n.to, n.text, opt)
			cancel()
			if d := c.dropped.Swap(0); d > 0 {
				sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
				_, _ = c.sender.SendText(sctx, n.to, fmt.Sprintf("… %d log events dropped", d), opt)
				cancel()
			}
		}
	}
}

func (c *chatSink) close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done, c.queue = nil, nil, nil
	c.enabled = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to, q, lim := c.to, c.queue, c.lim
	ok := c.enabled && level >= c.minLevel && to.ChatID != 0 && q != nil
	c.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if !lim.Allow() {
		c.dropped.Add(1)
		return len(p), nil
	}
	select {
	case q <- chatNote{to: to, text: renderChat(p)}:
	default:
		c.dropped.Add(1)
	}
	return len(p), nil
}

// renderChat turns one JSON event into "<b>LEVEL</b> message" followed by
// its fields, sorted by key, one per line.
func renderChat(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var ev map[string]any
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return html.EscapeString(clip(raw, chatTextLimit))
	}
	var b strings.Builder
	if lvl, _ := ev[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("<b>" + html.EscapeString(strings.ToUpper(lvl)) + "</b> ")
	}
	msg, _ := ev[zerolog.MessageFieldName].(string)
	b.WriteString(html.EscapeString(msg))

	keys := make([]string, 0, len(ev))
	for k := range ev {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := clip(fmt.Sprint(ev[k]), chatValueMax)
		b.WriteString("\n<code>" + html.EscapeString(k) + "</code> " + html.EscapeString(v))
		if b.Len() > chatTextLimit {
			b.WriteString("\n…")
			break
		}
	}
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
