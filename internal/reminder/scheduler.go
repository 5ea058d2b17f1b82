// Package reminder delivers reminders at their fire time and survives restarts.
//
// Future reminders get an in-process timer (Hydrate, ScheduleMany). A periodic
// sweep (Tick) delivers anything already due, which covers downtime and
// failed sends, then re-hydrates. A reminder is only marked sent after the
// notifier accepted it.
package reminder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agroplan/internal/domain"
	"agroplan/internal/eventbus"
	"agroplan/pkg/cronspec"
	logx "agroplan/pkg/logx"
	"agroplan/pkg/tgui"
)

type Store interface {
	DueReminders(ctx context.Context, now time.Time) ([]domain.Reminder, error)
	PendingReminders(ctx context.Context, after time.Time) ([]domain.Reminder, error)
	GetReminder(ctx context.Context, id int64) (domain.Reminder, error)
	MarkReminderSent(ctx context.Context, id int64, at time.Time) error
}

type Notifier interface {
	Send(ctx context.Context, chatID int64, m tgui.Message) error
}

type Config struct {
	// Sweep is a cronspec schedule ("@hourly", "15m", "0 */30 * * * *").
	Sweep string
	// MaxTimers bounds armed timers; overflow waits for the sweep.
	MaxTimers   int
	Location    *time.Location
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Sweep == "" {
		c.Sweep = "@hourly"
	}
	if c.MaxTimers <= 0 {
		c.MaxTimers = 10000
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

type armed struct {
	t       *time.Timer
	version uint64
	fireAt  time.Time
}

type Scheduler struct {
	cfg    Config
	store  Store
	notify Notifier
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu         sync.Mutex
	timers     map[int64]*armed
	ver        uint64
	delivering map[int64]struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	cron       *cron.Cron
}

func New(cfg Config, store Store, notify Notifier, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		store:      store,
		notify:     notify,
		log:        log.With(logx.String("comp", "reminder")),
		bus:        bus,
		now:        time.Now,
		timers:     map[int64]*armed{},
		delivering: map[int64]struct{}{},
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start runs one sweep (which hydrates) and schedules the periodic sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Tick(ctx); err != nil {
		s.log.Warn("initial reminder sweep failed", logx.Err(err))
	}
	c := cronspec.New(s.cfg.Location, s.log)
	if _, err := cronspec.Add(c, s.cfg.Sweep, func() {
		if err := s.Tick(s.ctx); err != nil {
			s.log.Warn("reminder sweep failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	s.log.Info("reminder scheduler started", logx.String("sweep", s.cfg.Sweep), logx.Int("armed", s.Armed()))
	return nil
}

// Stop cancels every timer and the sweep. In-flight deliveries see a cancelled context.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	for id, a := range s.timers {
		a.t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.cancel()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
}

// Armed is the number of timers currently waiting.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Hydrate arms a timer for every unsent future reminder that has none yet.
func (s *Scheduler) Hydrate(ctx context.Context) error {
	rs, err := s.store.PendingReminders(ctx, s.now())
	if err != nil {
		return err
	}
	s.ScheduleMany(ctx, rs)
	return nil
}

// Tick delivers every due, unsent reminder, then re-hydrates.
func (s *Scheduler) Tick(ctx context.Context) error {
	due, err := s.store.DueReminders(ctx, s.now())
	if err != nil {
		return err
	}
	for _, r := range due {
		s.disarm(r.ID)
		s.deliver(ctx, r.ID)
	}
	if len(due) > 0 {
		s.log.Info("reminder sweep delivered", logx.Int("due", len(due)))
	}
	return s.Hydrate(ctx)
}

// ScheduleMany arms timers for freshly created reminders. Ids that already
// hold a timer are left alone.
func (s *Scheduler) ScheduleMany(_ context.Context, rs []domain.Reminder) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	skipped := 0
	for _, r := range rs {
		if r.ID == 0 || r.SentAt != nil {
			continue
		}
		if _, ok := s.timers[r.ID]; ok {
			continue
		}
		if len(s.timers) >= s.cfg.MaxTimers {
			skipped++
			continue
		}
		s.ver++
		id, ver := r.ID, s.ver
		delay := max(r.FireAt.Sub(now), 0)
		s.timers[id] = &armed{
			t:       time.AfterFunc(delay, func() { s.fire(id, ver) }),
			version: ver,
			fireAt:  r.FireAt,
		}
	}
	if skipped > 0 {
		s.log.Warn("reminder timers at capacity; left for sweep", logx.Int("skipped", skipped), logx.Int("max", s.cfg.MaxTimers))
	}
}

func (s *Scheduler) disarm(id int64) {
	s.mu.Lock()
	if a, ok := s.timers[id]; ok {
		a.t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

func (s *Scheduler) fire(id int64, ver uint64) {
	s.mu.Lock()
	a, ok := s.timers[id]
	if !ok || a.version != ver {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	ctx := s.ctx
	s.mu.Unlock()
	s.deliver(ctx, id)
}

// deliver sends one reminder unless it is already sent or being sent.
func (s *Scheduler) deliver(ctx context.Context, id int64) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	if _, busy := s.delivering[id]; busy {
		s.mu.Unlock()
		return
	}
	s.delivering[id] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.delivering, id)
		s.mu.Unlock()
	}()

	log := s.log.With(logx.Int64("reminder_id", id))
	r, err := s.store.GetReminder(ctx, id)
	if err != nil {
		log.Warn("reminder lookup failed", logx.Err(err))
		return
	}
	if r.SentAt != nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	err = s.notify.Send(sendCtx, r.ChatID, Render(r, s.cfg.Location))
	cancel()
	if err != nil {
		log.Warn("reminder send failed; will retry on next sweep", logx.Err(err))
		return
	}

	at := s.now()
	if err := s.store.MarkReminderSent(ctx, id, at); err != nil {
		// Already delivered; a later sweep may send it again.
		level := log.Error
		if errors.Is(err, context.Canceled) {
			level = log.Warn
		}
		level("reminder sent but not marked", logx.Err(err))
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderSent, Time: at, Data: r})
	log.Debug("reminder delivered", logx.Int64("user_id", r.UserID), logx.Time("fire_at", r.FireAt))
}
