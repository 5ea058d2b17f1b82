package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agroplan/internal/eventbus"
	kit "agroplan/internal/transport"
	logx "agroplan/pkg/logx"
	"agroplan/pkg/tgui"
)

var ErrNoSender = errors.New("notifier: no sender")

// ErrUnreachable wraps failures that retrying cannot fix: the farmer
// blocked the bot or the chat no longer exists.
var ErrUnreachable = errors.New("notifier: chat unreachable")

// Service is safe for concurrent use.
type Service struct {
	sender kit.Sender
	log    logx.Logger
	bus    eventbus.Bus

	mu  sync.Mutex
	cfg Config
	lim *rate.Limiter

	seen    *dedup
	history *ring
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		sender:  sender,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		seen:    newDedup(),
		history: newRing(historySize),
	}
	s.Apply(cfg)
	return s
}

// Apply swaps limits and retry policy; sends in flight keep the old ones.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Send delivers m to chatID, retrying transient failures. It returns nil
// once the text is out (or was suppressed as a duplicate) and the last
// error otherwise.
func (s *Service) Send(ctx context.Context, chatID int64, m tgui.Message) error {
	if s.sender == nil {
		return ErrNoSender
	}
	if m.Text == "" {
		return nil
	}
	s.mu.Lock()
	cfg, lim := s.cfg, s.lim
	s.mu.Unlock()

	key := dedupKey(chatID, m.Text)
	if cfg.DedupWindow > 0 && !s.seen.claim(key, time.Now(), cfg.DedupWindow, cfg.DedupMaxEntries) {
		s.log.Debug("duplicate notification suppressed", logx.Int64("chat_id", chatID))
		return nil
	}

	attempts, err := s.deliver(ctx, cfg, lim, chatID, m)

	now := time.Now()
	ev := NotificationEvent{ChatID: chatID, Key: key, At: now, Attempts: attempts}
	item := HistoryItem{At: now, ChatID: chatID, Text: tgui.Clip(m.Text, 200)}
	if err == nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Time: now, Data: ev})
		s.history.add(item)
		return nil
	}
	ev.Error, item.Error = err.Error(), err.Error()
	s.seen.release(key)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Time: now, Data: ev})
	s.history.add(item)
	s.log.Warn("notification failed", logx.Int64("chat_id", chatID), logx.Int("attempts", attempts), logx.Err(err))
	return fmt.Errorf("notify chat %d: %w", chatID, err)
}

func (s *Service) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, chatID int64, m tgui.Message) (int, error) {
	limit := 1 + cfg.RetryMax
	for n := 1; ; n++ {
		if err := lim.Wait(ctx); err != nil {
			return n - 1, err
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(sctx, kit.ChatTarget{ChatID: chatID}, m.Text, m.Opt)
		cancel()
		switch {
		case err == nil:
			return n, nil
		case unreachable(err):
			return n, fmt.Errorf("%w: %v", ErrUnreachable, err)
		case n >= limit:
			return n, err
		}
		s.log.Debug("send attempt failed", logx.Int64("chat_id", chatID), logx.Int("attempt", n), logx.Err(err))

		t := time.NewTimer(retryDelay(cfg, n))
		select {
		case <-ctx.Done():
			t.Stop()
			return n, ctx.Err()
		case <-t.C:
		}
	}
}

// unreachable matches Bot API descriptions for chats the bot can no longer
// post to.
func unreachable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"bot was blocked by the user", "user is deactivated", "chat not found", "bot was kicked"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// retryDelay doubles RetryBase per attempt, applies ±30% jitter and caps
// at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + 0.6*rand.Float64()))
	return min(d, cfg.RetryMaxDelay)
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem { return s.history.items() }
