// Package slots carries a proposed slot through accept, cancel or reschedule,
// and commits accepted (or manually chosen) slots into events and reminders.
//
// Every action re-reads the slot and requires status proposed and a matching
// owner. Anything else is ErrInvalid, whatever the actual reason.
package slots

import (
	"context"
	"errors"
	"time"

	"agroplan/internal/domain"
	"agroplan/internal/funnel"
	"agroplan/internal/storage"
	logx "agroplan/pkg/logx"
	"agroplan/pkg/tgui"
)

var ErrInvalid = errors.New("slot expired or not found")

type Store interface {
	GetSlotContext(ctx context.Context, id int64) (domain.SlotContext, error)
	UpsertSlot(ctx context.Context, s domain.Slot) (int64, error)
	GetSlotAt(ctx context.Context, stageOptionID int64, start time.Time) (domain.Slot, error)
	UpdateSlot(ctx context.Context, id int64, p domain.SlotPatch) error
	CreateRun(ctx context.Context, r domain.Run) (int64, error)
	UpdateRun(ctx context.Context, id int64, p domain.RunPatch) error
	CreateEvents(ctx context.Context, evs []domain.Event) ([]domain.Event, error)
	CreateReminders(ctx context.Context, rs []domain.Reminder) ([]domain.Reminder, error)
	UpdatePlanStatus(ctx context.Context, planID int64, status domain.PlanStatus) error
	UpdateSession(ctx context.Context, s domain.Session) error
	DeleteSessionsByPlan(ctx context.Context, planID int64) error
}

type Notifier interface {
	Send(ctx context.Context, chatID int64, m tgui.Message) error
}

// RunQueue enqueues one orchestration job for a run.
type RunQueue interface {
	EnqueueRun(ctx context.Context, runID int64) error
}

// ReminderArmer arms timers for freshly stored reminders.
type ReminderArmer interface {
	ScheduleMany(ctx context.Context, rs []domain.Reminder)
}

type Config struct {
	Location *time.Location
	// TreatmentOffsets are how long before a treatment its reminders fire.
	// The default is one reminder two hours ahead.
	TreatmentOffsets []time.Duration
	FreeTierLimit    int
	// Used when a rescheduled slot has no originating run.
	MinHoursAhead int
	HorizonHours  int
	SessionTTL    time.Duration
	// ManualDuration is the length of a manually picked slot.
	ManualDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if len(c.TreatmentOffsets) == 0 {
		c.TreatmentOffsets = []time.Duration{2 * time.Hour}
	}
	if c.FreeTierLimit <= 0 {
		c.FreeTierLimit = 2
	}
	if c.MinHoursAhead <= 0 {
		c.MinHoursAhead = 2
	}
	if c.HorizonHours <= 0 {
		c.HorizonHours = 72
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.ManualDuration <= 0 {
		c.ManualDuration = 90 * time.Minute
	}
	return c
}

type Service struct {
	cfg       Config
	store     Store
	notify    Notifier
	runs      RunQueue
	reminders ReminderArmer
	funnel    *funnel.Recorder
	log       logx.Logger
	now       func() time.Time
}

func New(cfg Config, store Store, notify Notifier, runs RunQueue, reminders ReminderArmer, fr *funnel.Recorder, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		store:     store,
		notify:    notify,
		runs:      runs,
		reminders: reminders,
		funnel:    fr,
		log:       log.With(logx.String("comp", "slots")),
		now:       time.Now,
	}
}

// load returns the slot context if userID owns a still-proposed slot.
func (s *Service) load(ctx context.Context, userID, slotID int64) (domain.SlotContext, error) {
	sc, err := s.store.GetSlotContext(ctx, slotID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.SlotContext{}, ErrInvalid
	}
	if err != nil {
		return domain.SlotContext{}, err
	}
	if sc.Slot.Status != domain.SlotProposed || sc.Slot.UserID != userID || sc.User.ID != userID {
		return domain.SlotContext{}, ErrInvalid
	}
	return sc, nil
}

// Accept schedules a proposed slot: events, reminders, status updates, confirmation.
func (s *Service) Accept(ctx context.Context, userID, slotID int64) error {
	sc, err := s.load(ctx, userID, slotID)
	if err != nil {
		return err
	}
	log := s.log.With(logx.Int64("slot_id", slotID), logx.Int64("user_id", userID))

	res, err := s.commit(ctx, sc.User, sc.Plan, sc.Stage, sc.Option, sc.Slot)
	if err != nil {
		return err
	}

	accepted := domain.SlotAccepted
	if err := s.store.UpdateSlot(ctx, slotID, domain.SlotPatch{Status: &accepted}); err != nil {
		return err
	}
	if sc.Run != nil {
		st := domain.RunAccepted
		if err := s.store.UpdateRun(ctx, sc.Run.ID, domain.RunPatch{Status: &st}); err != nil {
			return err
		}
	}
	if err := s.finish(ctx, sc.Plan.ID); err != nil {
		return err
	}

	s.send(ctx, log, sc.User.ChatID, Scheduled(sc.Slot, sc.Stage, sc.Option, res.dropped, s.cfg.FreeTierLimit, s.cfg.Location))
	s.funnel.Record(ctx, userID, sc.Plan.ID, funnel.SlotAccepted, map[string]any{
		"slot_id": slotID, "events": len(res.events), "reminders": len(res.reminders),
	})
	if res.dropped > 0 {
		s.funnel.Record(ctx, userID, sc.Plan.ID, funnel.RemindersTruncated, map[string]any{"dropped": res.dropped})
	}
	log.Info("slot accepted", logx.Int("events", len(res.events)), logx.Int("reminders", len(res.reminders)))
	return nil
}

// Cancel drops a proposed slot and its run.
func (s *Service) Cancel(ctx context.Context, userID, slotID int64) error {
	sc, err := s.load(ctx, userID, slotID)
	if err != nil {
		return err
	}
	cancelled := domain.SlotCancelled
	if err := s.store.UpdateSlot(ctx, slotID, domain.SlotPatch{Status: &cancelled}); err != nil {
		return err
	}
	if sc.Run != nil {
		st := domain.RunCancelled
		if err := s.store.UpdateRun(ctx, sc.Run.ID, domain.RunPatch{Status: &st}); err != nil {
			return err
		}
	}
	log := s.log.With(logx.Int64("slot_id", slotID), logx.Int64("user_id", userID))
	s.send(ctx, log, sc.User.ChatID, Cancelled(sc.Stage))
	if err := s.store.DeleteSessionsByPlan(ctx, sc.Plan.ID); err != nil {
		log.Warn("session not cleared", logx.Err(err))
	}
	s.funnel.Record(ctx, userID, sc.Plan.ID, funnel.SlotCancelled, map[string]any{"slot_id": slotID})
	log.Info("slot cancelled")
	return nil
}

// Reschedule rejects a proposed slot and starts a new run for the same stage option.
func (s *Service) Reschedule(ctx context.Context, userID, slotID int64) (int64, error) {
	sc, err := s.load(ctx, userID, slotID)
	if err != nil {
		return 0, err
	}
	rejected := domain.SlotRejected
	if err := s.store.UpdateSlot(ctx, slotID, domain.SlotPatch{Status: &rejected}); err != nil {
		return 0, err
	}
	minHours, horizon := s.cfg.MinHoursAhead, s.cfg.HorizonHours
	if sc.Run != nil {
		st := domain.RunRejected
		if err := s.store.UpdateRun(ctx, sc.Run.ID, domain.RunPatch{Status: &st}); err != nil {
			return 0, err
		}
		if sc.Run.MinHoursAhead > 0 {
			minHours = sc.Run.MinHoursAhead
		}
		if sc.Run.HorizonHours > 0 {
			horizon = sc.Run.HorizonHours
		}
	}

	now := s.now()
	runID, err := s.store.CreateRun(ctx, domain.Run{
		UserID:        userID,
		PlanID:        sc.Plan.ID,
		StageID:       sc.Stage.ID,
		StageOptionID: sc.Option.ID,
		MinHoursAhead: minHours,
		HorizonHours:  horizon,
		Status:        domain.RunPending,
		CreatedAt:     now,
	})
	if err != nil {
		return 0, err
	}
	log := s.log.With(logx.Int64("slot_id", slotID), logx.Int64("run_id", runID))

	if err := s.store.UpdateSession(ctx, domain.Session{
		PlanID:      sc.Plan.ID,
		UserID:      userID,
		CurrentStep: domain.StepAutoplanLookup,
		State:       domain.SessionState{RunID: runID, StageID: sc.Stage.ID, StageOptionID: sc.Option.ID},
		ExpiresAt:   now.Add(s.cfg.SessionTTL),
	}); err != nil {
		log.Warn("session not updated", logx.Err(err))
	}
	if err := s.runs.EnqueueRun(ctx, runID); err != nil {
		// The run stays pending and the pending-run sweep picks it up.
		log.Warn("reschedule enqueue failed", logx.Err(err))
	}
	s.send(ctx, log, sc.User.ChatID, Searching(sc.Stage))
	s.funnel.Record(ctx, userID, sc.Plan.ID, funnel.SlotRescheduled, map[string]any{"slot_id": slotID, "run_id": runID})
	log.Info("slot rescheduled")
	return runID, nil
}

// CommitManual stores a manually chosen slot as accepted and schedules it.
// A time already accepted for the same stage option is ErrInvalid.
func (s *Service) CommitManual(ctx context.Context, userID int64, stc domain.StageContext, start time.Time) (domain.Slot, error) {
	if stc.User.ID != userID || stc.Plan.UserID != userID {
		return domain.Slot{}, ErrInvalid
	}
	switch prev, err := s.store.GetSlotAt(ctx, stc.Option.ID, start); {
	case err == nil && prev.Status == domain.SlotAccepted:
		return domain.Slot{}, ErrInvalid
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return domain.Slot{}, err
	}
	slot := domain.Slot{
		UserID:        userID,
		PlanID:        stc.Plan.ID,
		StageID:       stc.Stage.ID,
		StageOptionID: stc.Option.ID,
		SlotStart:     start,
		SlotEnd:       start.Add(s.cfg.ManualDuration),
		Reason:        []string{"Chosen manually"},
		Status:        domain.SlotAccepted,
	}
	id, err := s.store.UpsertSlot(ctx, slot)
	if err != nil {
		return domain.Slot{}, err
	}
	slot.ID = id

	res, err := s.commit(ctx, stc.User, stc.Plan, stc.Stage, stc.Option, slot)
	if err != nil {
		return domain.Slot{}, err
	}
	if err := s.finish(ctx, stc.Plan.ID); err != nil {
		return domain.Slot{}, err
	}
	log := s.log.With(logx.Int64("slot_id", id), logx.Int64("user_id", userID))
	s.send(ctx, log, stc.User.ChatID, Scheduled(slot, stc.Stage, stc.Option, res.dropped, s.cfg.FreeTierLimit, s.cfg.Location))
	s.funnel.Record(ctx, userID, stc.Plan.ID, funnel.ManualScheduled, map[string]any{"slot_id": id})
	log.Info("manual slot scheduled", logx.Time("start", start))
	return slot, nil
}

type commitResult struct {
	events    []domain.Event
	reminders []domain.Reminder
	dropped   int
}

// commit persists the events and reminders for a slot and arms the reminders.
func (s *Service) commit(ctx context.Context, u domain.User, p domain.Plan, st domain.Stage, opt domain.StageOption, slot domain.Slot) (commitResult, error) {
	evs, err := s.store.CreateEvents(ctx, BuildEvents(slot, st))
	if err != nil {
		return commitResult{}, err
	}
	rs := BuildReminders(evs, u.ID, reminderTitle(st, opt), s.cfg.TreatmentOffsets, s.now())
	dropped := 0
	if u.Tier != domain.TierPro {
		rs, dropped = CapReminders(rs, s.cfg.FreeTierLimit)
	}
	if len(rs) > 0 {
		if rs, err = s.store.CreateReminders(ctx, rs); err != nil {
			return commitResult{}, err
		}
		if s.reminders != nil {
			s.reminders.ScheduleMany(ctx, rs)
		}
	}
	return commitResult{events: evs, reminders: rs, dropped: dropped}, nil
}

func (s *Service) finish(ctx context.Context, planID int64) error {
	if err := s.store.UpdatePlanStatus(ctx, planID, domain.PlanScheduled); err != nil {
		return err
	}
	if err := s.store.DeleteSessionsByPlan(ctx, planID); err != nil {
		s.log.Warn("session not cleared", logx.Int64("plan_id", planID), logx.Err(err))
	}
	return nil
}

func (s *Service) send(ctx context.Context, log logx.Logger, chatID int64, m tgui.Message) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Send(ctx, chatID, m); err != nil {
		log.Warn("user notification failed", logx.Err(err))
	}
}
