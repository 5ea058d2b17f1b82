// Package telegram implements transport.Adapter on top of telebot's long poller.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "agroplan/internal/runtime/supervisor"
	kit "agroplan/internal/transport"
	logx "agroplan/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendRate caps outbound API calls across all chats. Telegram starts
	// answering 429 at roughly 30 per second.
	SendRate float64
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.SendRate <= 0 {
		c.SendRate = 25
	}
	return c
}

// Adapter forwards text messages and button presses as kit.Update values and
// sends chunked replies. Inbound updates are dropped, and counted, when the
// router's channel is full.
type Adapter struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	lim  *rate.Limiter
	sink atomic.Pointer[chan<- kit.Update]

	mu  sync.Mutex
	sup *rtsup.Supervisor

	dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, lim: rate.NewLimiter(rate.Limit(cfg.SendRate), 1)}
	b.Handle(tele.OnText, func(c tele.Context) error {
		if up, ok := fromMessage(c.Message()); ok {
			a.push(up)
		}
		return nil
	})
	b.Handle(tele.OnCallback, func(c tele.Context) error {
		if up, ok := fromCallback(c.Callback(), c.Message()); ok {
			a.push(up)
		}
		return nil
	})
	return a, nil
}

func fromMessage(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		FromID:   m.Sender.ID,
		Text:     m.Text,
	}}, true
}

func fromCallback(cb *tele.Callback, m *tele.Message) (kit.Update, bool) {
	if cb == nil || cb.Sender == nil || m == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID:        cb.ID,
		FromID:    cb.Sender.ID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.ThreadID,
		MessageID: m.ID,
		Data:      cb.Data,
	}}, true
}

func (a *Adapter) push(up kit.Update) {
	p := a.sink.Load()
	if p == nil {
		return
	}
	select {
	case *p <- up:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling and publishes updates to out until Stop or ctx
// cancellation. A second Start while running is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return nil
	}
	a.sink.Store(&out)
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
		rtsup.WithCancelOnError(false),
	)
	a.sup = sup
	a.mu.Unlock()

	sup.Go0("telegram.drops", func(c context.Context) {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})
	sup.Go0("telegram.unblock", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start returns only after bot.Stop; a return with a live context is
	// treated as a crash and restarted.
	sup.GoRestart0("telegram.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("updates dropped, router queue full", logx.Uint64("count", n), logx.Int("queue_cap", capacity))
	}
}

// Stop ends polling. getUpdates may still be in flight, so Stop waits at
// most two seconds (less if ctx expires sooner).
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.sink.Store(nil)
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	go a.bot.Stop()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

func sendOptions(opt *kit.SendOptions, threadID int, withMarkup bool) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: threadID}
	if opt == nil {
		return so
	}
	so.ParseMode = opt.ParseMode
	so.DisableWebPagePreview = opt.DisablePreview
	if rm, ok := opt.Markup.(*tele.ReplyMarkup); ok && rm != nil && withMarkup {
		so.ReplyMarkup = rm
	}
	return so
}

// SendText sends text, split into several messages when it exceeds the API
// limit. The keyboard is attached to the first chunk and the returned ref
// points at it.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	mode := ""
	if opt != nil {
		mode = opt.ParseMode
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, mode) {
		if err := a.lim.Wait(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOptions(opt, to.ThreadID, i == 0))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText rewrites ref in place. Text beyond the first chunk is sent as new
// messages below it. Editing to identical content is not an error.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	mode := ""
	if opt != nil {
		mode = opt.ParseMode
	}
	chunks := splitText(text, textLimit, mode)
	if err := a.lim.Wait(ctx); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(m, chunks[0], sendOptions(opt, 0, true)); err != nil && !notModified(err) {
		return err
	}
	if len(chunks) == 1 {
		return nil
	}
	var rest *kit.SendOptions
	if opt != nil {
		rest = &kit.SendOptions{ParseMode: opt.ParseMode, DisablePreview: opt.DisablePreview}
	}
	_, err := a.SendText(ctx, ref.Target(), strings.Join(chunks[1:], "\n"), rest)
	return err
}

func notModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}
