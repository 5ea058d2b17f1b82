// Package bot routes chat updates to the scheduling components.
//
// Callback data is parsed into a typed command before any id is used. The
// presser is resolved by their chat handle, rate limited per user, and every
// callback is answered so the client stops its loading indicator.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agroplan/internal/callback"
	"agroplan/internal/domain"
	"agroplan/internal/manual"
	"agroplan/internal/runtime/supervisor"
	"agroplan/internal/slots"
	"agroplan/internal/storage"
	kit "agroplan/internal/transport"
	logx "agroplan/pkg/logx"
	"agroplan/pkg/tgui"
)

const (
	answerExpired = "This button has expired."
	answerBusy    = "Busy, try again in a moment."
	answerSlow    = "Too many taps, slow down."
	answerFailed  = "Something went wrong, please try again."
)

type Users interface {
	GetUserByChatID(ctx context.Context, chatID int64) (domain.User, error)
}

type Slots interface {
	Accept(ctx context.Context, userID, slotID int64) error
	Cancel(ctx context.Context, userID, slotID int64) error
	Reschedule(ctx context.Context, userID, slotID int64) (int64, error)
}

type Picker interface {
	Open(ctx context.Context, userID int64, ref callback.StageRef) (tgui.Message, error)
	More(ctx context.Context, userID int64, ref callback.StageRef) (tgui.Message, error)
	Confirm(ctx context.Context, userID int64, ref callback.StageRef, at time.Time) (domain.Slot, error)
}

type Autoplan interface {
	StartRun(ctx context.Context, userID int64, ref callback.StageRef) (int64, error)
}

// Responder is the outbound side of the chat transport.
type Responder interface {
	kit.Sender
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type Deps struct {
	Users    Users
	Slots    Slots
	Picker   Picker
	Autoplan Autoplan
	Out      Responder
}

type Config struct {
	Workers        int
	QueueSize      int
	HandlerTimeout time.Duration

	// Per-user token bucket.
	RatePerSec  float64
	Burst       int
	LimiterTTL  time.Duration
	MaxLimiters int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 20 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.LimiterTTL <= 0 {
		c.LimiterTTL = 10 * time.Minute
	}
	if c.MaxLimiters <= 0 {
		c.MaxLimiters = 10000
	}
	return c
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

type Router struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time

	jobs chan func()

	limMu   sync.Mutex
	buckets map[int64]*bucket
}

func New(cfg Config, deps Deps, log logx.Logger) *Router {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cfg:     cfg,
		deps:    deps,
		log:     log.With(logx.String("comp", "bot")),
		now:     time.Now,
		jobs:    make(chan func(), cfg.QueueSize),
		buckets: map[int64]*bucket{},
	}
}

// Run consumes updates until ctx is done or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("bot.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}
	r.log.Info("bot router started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", cap(r.jobs)))

	evict := time.NewTicker(r.cfg.LimiterTTL / 2)
	defer evict.Stop()
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("bot router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-evict.C:
			r.evictIdle()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) runJob(idx int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in bot job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateCallback:
		if up.Callback == nil {
			return
		}
		cb := *up.Callback
		select {
		case r.jobs <- func() { r.HandleCallback(ctx, cb) }:
		default:
			r.answer(ctx, cb.ID, answerBusy)
		}
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		m := *up.Message
		select {
		case r.jobs <- func() { r.HandleMessage(ctx, m) }:
		default:
		}
	}
}

// HandleMessage answers /start and /help; other text is ignored.
func (r *Router) HandleMessage(ctx context.Context, m kit.Message) {
	cmd := strings.Fields(strings.TrimSpace(m.Text))
	if len(cmd) == 0 {
		return
	}
	switch strings.ToLower(strings.SplitN(cmd[0], "@", 2)[0]) {
	case "/start", "/help":
		msg := tgui.New().Title("🌱", "Spray planner").
			Line("Pick a stage in your plan and I will look for a weather window, or choose a time yourself.").
			Line("Reminders arrive before each treatment and when the pre-harvest interval ends.").
			Build()
		r.send(ctx, kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, msg)
	}
}

// HandleCallback parses, authorizes and dispatches one inline-button press.
func (r *Router) HandleCallback(ctx context.Context, cb kit.Callback) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()

	ans := ""
	defer func() { r.answer(ctx, cb.ID, ans) }()

	log := r.log.With(logx.Int64("from_id", cb.FromID), logx.Int64("chat_id", cb.ChatID))
	cmd, err := callback.Parse(cb.Data)
	if err != nil {
		log.Debug("callback rejected", logx.String("data", tgui.Clip(cb.Data, 64)))
		ans = answerExpired
		return
	}
	if !r.allow(cb.FromID, r.now()) {
		ans = answerSlow
		return
	}
	user, err := r.deps.Users.GetUserByChatID(ctx, cb.FromID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn("user lookup failed", logx.Err(err))
		}
		ans = answerExpired
		return
	}

	start := time.Now()
	ans, err = r.dispatch(ctx, user.ID, cb.Ref(), cmd)
	fields := []logx.Field{logx.String("cmd", fmt.Sprintf("%T", cmd)), logx.Int64("user_id", user.ID), logx.Duration("dur", time.Since(start))}
	switch {
	case err == nil:
		log.Debug("callback ok", fields...)
	case errors.Is(err, slots.ErrInvalid):
		log.Debug("callback stale", fields...)
		ans = answerExpired
	default:
		log.Warn("callback failed", append(fields, logx.Err(err))...)
		ans = answerFailed
	}
}

// dispatch runs cmd for userID. src is the message holding the pressed
// button; picker pages replace it in place.
func (r *Router) dispatch(ctx context.Context, userID int64, src kit.MessageRef, cmd callback.Command) (string, error) {
	to := src.Target()
	switch c := cmd.(type) {
	case callback.SlotAccept:
		return "Scheduled", r.deps.Slots.Accept(ctx, userID, c.SlotID)
	case callback.SlotCancel:
		return "Cancelled", r.deps.Slots.Cancel(ctx, userID, c.SlotID)
	case callback.SlotReschedule:
		_, err := r.deps.Slots.Reschedule(ctx, userID, c.SlotID)
		return "Searching again", err
	case callback.AutoplanStart:
		_, err := r.deps.Autoplan.StartRun(ctx, userID, c.Ref)
		return "Searching", err
	case callback.ManualOpen:
		m, err := r.deps.Picker.Open(ctx, userID, c.Ref)
		if err != nil {
			return "", err
		}
		r.send(ctx, to, m)
		return "", nil
	case callback.ManualMore:
		m, err := r.deps.Picker.More(ctx, userID, c.Ref)
		if err != nil {
			return "", err
		}
		r.edit(ctx, src, m)
		return "", nil
	case callback.ManualSlot:
		_, err := r.deps.Picker.Confirm(ctx, userID, c.Ref, c.At)
		if !errors.Is(err, manual.ErrExpired) {
			return "Scheduled", err
		}
		m, err := r.deps.Picker.Open(ctx, userID, c.Ref)
		if err != nil {
			return "", err
		}
		r.send(ctx, to, m)
		return "That time has passed, pick another.", nil
	default:
		return answerExpired, nil
	}
}

func (r *Router) send(ctx context.Context, to kit.ChatTarget, m tgui.Message) {
	if _, err := r.deps.Out.SendText(ctx, to, m.Text, m.Opt); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

// edit falls back to a fresh message when the original can no longer be
// edited (too old, deleted, or sent before a restart).
func (r *Router) edit(ctx context.Context, ref kit.MessageRef, m tgui.Message) {
	if ref.MessageID == 0 {
		r.send(ctx, ref.Target(), m)
		return
	}
	if err := r.deps.Out.EditText(ctx, ref, m.Text, m.Opt); err != nil {
		r.log.Debug("edit failed, sending new message", logx.Int64("chat_id", ref.ChatID), logx.Err(err))
		r.send(ctx, ref.Target(), m)
	}
}

func (r *Router) answer(ctx context.Context, id, text string) {
	if id == "" {
		return
	}
	if err := r.deps.Out.AnswerCallback(ctx, id, text); err != nil {
		r.log.Debug("answer callback failed", logx.Err(err))
	}
}

// allow takes one token from the caller's bucket. A full table drops idle
// buckets first, then the least recently seen one.
func (r *Router) allow(id int64, now time.Time) bool {
	r.limMu.Lock()
	defer r.limMu.Unlock()
	b := r.buckets[id]
	if b == nil {
		if len(r.buckets) >= r.cfg.MaxLimiters {
			r.evictLocked(now)
		}
		if len(r.buckets) >= r.cfg.MaxLimiters {
			r.evictOldestLocked()
		}
		b = &bucket{lim: rate.NewLimiter(rate.Limit(r.cfg.RatePerSec), r.cfg.Burst)}
		r.buckets[id] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (r *Router) evictIdle() {
	r.limMu.Lock()
	r.evictLocked(r.now())
	r.limMu.Unlock()
}

func (r *Router) evictLocked(now time.Time) {
	for id, b := range r.buckets {
		if now.Sub(b.seen) > r.cfg.LimiterTTL {
			delete(r.buckets, id)
		}
	}
}

func (r *Router) evictOldestLocked() {
	var (
		oldest int64
		at     time.Time
		found  bool
	)
	for id, b := range r.buckets {
		if !found || b.seen.Before(at) {
			oldest, at, found = id, b.seen, true
		}
	}
	if found {
		delete(r.buckets, oldest)
	}
}

// Limiters is the number of live per-user buckets.
func (r *Router) Limiters() int {
	r.limMu.Lock()
	defer r.limMu.Unlock()
	return len(r.buckets)
}
