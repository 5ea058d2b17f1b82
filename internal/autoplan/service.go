// Package autoplan drives one Run from pending to a proposed slot, a
// no-window fallback, or failure.
//
// HandleRun is the job handler. It is safe to redeliver: the slot upsert is
// keyed on (stage option, start) so a repeat run lands on the same row.
// Failures mark the run failed and are returned so the queue's attempts and
// backoff decide whether to try again.
package autoplan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agroplan/internal/callback"
	"agroplan/internal/domain"
	"agroplan/internal/forecast"
	"agroplan/internal/funnel"
	"agroplan/internal/jobs"
	"agroplan/internal/slots"
	"agroplan/internal/storage"
	"agroplan/internal/window"
	"agroplan/pkg/cronspec"
	logx "agroplan/pkg/logx"
	"agroplan/pkg/tgui"
)

// JobName is the queue handler name for run processing.
const JobName = "autoplan.run"

const reasonNoWindow = "no_window"

type Store interface {
	CreateRun(ctx context.Context, r domain.Run) (int64, error)
	UpdateRun(ctx context.Context, id int64, p domain.RunPatch) error
	ListPendingRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.Run, error)
	GetRunContext(ctx context.Context, id int64) (domain.RunContext, error)
	GetStageContext(ctx context.Context, planID, stageID, optionID int64) (domain.StageContext, error)
	UpsertSlot(ctx context.Context, s domain.Slot) (int64, error)
	ListAcceptedSlotsForUser(ctx context.Context, userID int64, limit int) ([]domain.Slot, error)
	UpdateSession(ctx context.Context, s domain.Session) error
	UpdateObjectMeta(ctx context.Context, objectID int64, meta domain.ObjectMeta) error
}

type Notifier interface {
	Send(ctx context.Context, chatID int64, m tgui.Message) error
}

type Queue interface {
	Register(name string, h jobs.Handler)
	Enqueue(ctx context.Context, name string, runID int64, opt jobs.Options) (string, error)
}

type Config struct {
	Location      *time.Location
	DefaultLat    float64
	DefaultLon    float64
	NudgeTTL      time.Duration
	MinHoursAhead int
	HorizonHours  int
	// Rules apply to stages without an override. Nil means window.DefaultRules.
	Rules         *window.Rules
	DaylightStart int
	DaylightEnd   int

	PendingSweep string
	PendingGrace time.Duration
	PendingLimit int
	// PreferenceSamples is how many accepted slots feed hour preferences.
	PreferenceSamples int

	Attempts   int
	Backoff    time.Duration
	SessionTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.NudgeTTL <= 0 {
		c.NudgeTTL = 12 * time.Hour
	}
	if c.MinHoursAhead <= 0 {
		c.MinHoursAhead = 2
	}
	if c.HorizonHours <= 0 {
		c.HorizonHours = 72
	}
	if c.Rules == nil {
		r := window.DefaultRules()
		c.Rules = &r
	}
	if c.DaylightEnd <= 0 {
		c.DaylightStart, c.DaylightEnd = 6, 21
	}
	if c.PendingSweep == "" {
		c.PendingSweep = "5m"
	}
	if c.PendingGrace <= 0 {
		c.PendingGrace = time.Minute
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 50
	}
	if c.PreferenceSamples <= 0 {
		c.PreferenceSamples = 20
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 5 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	return c
}

type Service struct {
	cfg      Config
	store    Store
	forecast forecast.Provider
	notify   Notifier
	queue    Queue
	funnel   *funnel.Recorder
	log      logx.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func New(cfg Config, store Store, fc forecast.Provider, notify Notifier, q Queue, fr *funnel.Recorder, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		forecast: fc,
		notify:   notify,
		queue:    q,
		funnel:   fr,
		log:      log.With(logx.String("comp", "autoplan")),
		now:      time.Now,
	}
	if q != nil {
		q.Register(JobName, s.HandleRun)
	}
	return s
}

// Start schedules the pending-run sweep.
func (s *Service) Start(ctx context.Context) error {
	c := cronspec.New(s.cfg.Location, s.log)
	if _, err := cronspec.Add(c, s.cfg.PendingSweep, func() {
		if _, err := s.SweepPending(ctx); err != nil {
			s.log.Warn("pending run sweep failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("pending sweep: %w", err)
	}
	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// StartRun creates a pending run for a stage option and enqueues it.
func (s *Service) StartRun(ctx context.Context, userID int64, ref callback.StageRef) (int64, error) {
	stc, err := s.store.GetStageContext(ctx, ref.PlanID, ref.StageID, ref.OptionID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, slots.ErrInvalid
	}
	if err != nil {
		return 0, err
	}
	if stc.User.ID != userID {
		return 0, slots.ErrInvalid
	}
	now := s.now()
	runID, err := s.store.CreateRun(ctx, domain.Run{
		UserID:        userID,
		PlanID:        ref.PlanID,
		StageID:       ref.StageID,
		StageOptionID: ref.OptionID,
		MinHoursAhead: s.cfg.MinHoursAhead,
		HorizonHours:  s.cfg.HorizonHours,
		Status:        domain.RunPending,
		CreatedAt:     now,
	})
	if err != nil {
		return 0, err
	}
	log := s.log.With(logx.Int64("run_id", runID))
	if err := s.store.UpdateSession(ctx, domain.Session{
		PlanID:      ref.PlanID,
		UserID:      userID,
		CurrentStep: domain.StepAutoplanLookup,
		State:       domain.SessionState{RunID: runID, StageID: ref.StageID, StageOptionID: ref.OptionID},
		ExpiresAt:   now.Add(s.cfg.SessionTTL),
	}); err != nil {
		log.Warn("session not updated", logx.Err(err))
	}
	s.funnel.Record(ctx, userID, ref.PlanID, funnel.RunStarted, map[string]any{"run_id": runID})
	if err := s.EnqueueRun(ctx, runID); err != nil {
		log.Warn("enqueue failed; left for pending sweep", logx.Err(err))
	}
	s.send(ctx, log, stc.User.ChatID, searchingMessage(stc.Stage))
	return runID, nil
}

// EnqueueRun submits one job with the configured attempts and exponential backoff.
func (s *Service) EnqueueRun(ctx context.Context, runID int64) error {
	if s.queue == nil {
		return jobs.ErrStopped
	}
	_, err := s.queue.Enqueue(ctx, JobName, runID, jobs.Options{
		Attempts:         s.cfg.Attempts,
		Backoff:          jobs.Backoff{Kind: jobs.BackoffExponential, Delay: s.cfg.Backoff},
		RemoveOnComplete: true,
	})
	return err
}

// SweepPending processes runs left pending past the grace period.
func (s *Service) SweepPending(ctx context.Context) (int, error) {
	runs, err := s.store.ListPendingRuns(ctx, s.now().Add(-s.cfg.PendingGrace), s.cfg.PendingLimit)
	if err != nil {
		return 0, err
	}
	for _, r := range runs {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := s.HandleRun(ctx, r.ID); err != nil {
			s.log.Warn("swept run failed", logx.Int64("run_id", r.ID), logx.Err(err))
		}
	}
	if len(runs) > 0 {
		s.log.Info("pending runs swept", logx.Int("count", len(runs)))
	}
	return len(runs), nil
}

type location struct {
	lat, lon float64
	source   domain.LocationSource
}

func (s *Service) resolveLocation(o domain.Object) location {
	if o.HasLocation() {
		src := o.LocationSource
		if src != domain.LocationGeoAuto {
			src = domain.LocationManual
		}
		return location{lat: *o.Lat, lon: *o.Lon, source: src}
	}
	return location{lat: s.cfg.DefaultLat, lon: s.cfg.DefaultLon, source: domain.LocationDefault}
}

// HandleRun executes the orchestration steps for one run id.
func (s *Service) HandleRun(ctx context.Context, runID int64) error {
	log := s.log.With(logx.Int64("run_id", runID))
	rc, err := s.store.GetRunContext(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("run context missing; dropping job")
		return jobs.NoRetry(err)
	}
	if err != nil {
		return err
	}
	switch rc.Run.Status {
	case domain.RunAccepted, domain.RunCancelled, domain.RunRejected:
		log.Debug("run already decided", logx.String("status", string(rc.Run.Status)))
		return nil
	}

	loc := s.resolveLocation(rc.Object)
	log = log.With(logx.String("location_source", string(loc.source)))
	if err := s.process(ctx, log, rc, loc); err != nil {
		s.fail(ctx, log, rc, err)
		return err
	}
	return nil
}

func (s *Service) process(ctx context.Context, log logx.Logger, rc domain.RunContext, loc location) error {
	st := domain.RunInProgress
	if err := s.store.UpdateRun(ctx, rc.Run.ID, domain.RunPatch{Status: &st}); err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}
	now := s.now()
	if loc.source == domain.LocationDefault {
		s.maybeNudge(ctx, log, rc, now)
	}

	rules, err := window.Merge(*s.cfg.Rules, rc.Stage.Rules)
	if err != nil {
		log.Warn("stage rules ignored", logx.Int64("stage_id", rc.Stage.ID), logx.Err(err))
	}
	minHours, horizon := rc.Run.MinHoursAhead, rc.Run.HorizonHours
	if minHours <= 0 {
		minHours = s.cfg.MinHoursAhead
	}
	if horizon <= 0 {
		horizon = s.cfg.HorizonHours
	}

	fc, err := s.forecast.HourlyForecast(ctx, loc.lat, loc.lon, horizon)
	if err != nil {
		return fmt.Errorf("forecast: %w", err)
	}
	opt := window.Options{Location: s.cfg.Location, DaylightStart: s.cfg.DaylightStart, DaylightEnd: s.cfg.DaylightEnd}
	win, ok := window.FindWindow(fc, minHours, horizon, rules, now, s.preferences(ctx, log, rc.User.ID), opt)
	if !ok {
		return s.noWindow(ctx, log, rc, now)
	}
	return s.propose(ctx, log, rc, win, now)
}

func (s *Service) noWindow(ctx context.Context, log logx.Logger, rc domain.RunContext, now time.Time) error {
	st, reason := domain.RunAwaitingWindow, reasonNoWindow
	if err := s.store.UpdateRun(ctx, rc.Run.ID, domain.RunPatch{Status: &st, Reason: &reason}); err != nil {
		return fmt.Errorf("mark awaiting window: %w", err)
	}
	ref := refOf(rc.Run)
	if err := s.store.UpdateSession(ctx, domain.Session{
		PlanID:      rc.Plan.ID,
		UserID:      rc.User.ID,
		CurrentStep: domain.StepManualPrompt,
		State:       domain.SessionState{RunID: rc.Run.ID, StageID: ref.StageID, StageOptionID: ref.OptionID},
		ExpiresAt:   now.Add(s.cfg.SessionTTL),
	}); err != nil {
		log.Warn("session not updated", logx.Err(err))
	}
	if err := s.notify.Send(ctx, rc.User.ChatID, noWindowMessage(rc.Stage, ref)); err != nil {
		return fmt.Errorf("notify no window: %w", err)
	}
	s.funnel.Record(ctx, rc.User.ID, rc.Plan.ID, funnel.NoWindow, map[string]any{"run_id": rc.Run.ID})
	log.Info("no window found")
	return nil
}

func (s *Service) propose(ctx context.Context, log logx.Logger, rc domain.RunContext, win window.Slot, now time.Time) error {
	runID := rc.Run.ID
	slot := domain.Slot{
		AutoplanRunID: &runID,
		UserID:        rc.User.ID,
		PlanID:        rc.Plan.ID,
		StageID:       rc.Stage.ID,
		StageOptionID: rc.Option.ID,
		SlotStart:     win.Start,
		SlotEnd:       win.End,
		Score:         win.Score,
		Reason:        win.Reason,
		Status:        domain.SlotProposed,
	}
	id, err := s.store.UpsertSlot(ctx, slot)
	if err != nil {
		return fmt.Errorf("upsert slot: %w", err)
	}
	slot.ID = id

	st, reason := domain.RunAwaitingConfirmation, strings.Join(win.Reason, "; ")
	if err := s.store.UpdateRun(ctx, runID, domain.RunPatch{Status: &st, Reason: &reason}); err != nil {
		return fmt.Errorf("mark awaiting confirmation: %w", err)
	}
	if err := s.store.UpdateSession(ctx, domain.Session{
		PlanID:      rc.Plan.ID,
		UserID:      rc.User.ID,
		CurrentStep: domain.StepAutoplanSlot,
		State:       domain.SessionState{SlotID: id, RunID: runID, StageID: rc.Stage.ID, StageOptionID: rc.Option.ID},
		ExpiresAt:   now.Add(s.cfg.SessionTTL),
	}); err != nil {
		log.Warn("session not updated", logx.Err(err))
	}
	if err := s.notify.Send(ctx, rc.User.ChatID, slots.Card(slot, rc.Stage, rc.Option, s.cfg.Location)); err != nil {
		return fmt.Errorf("notify slot: %w", err)
	}
	s.funnel.Record(ctx, rc.User.ID, rc.Plan.ID, funnel.SlotProposed, map[string]any{
		"run_id": runID, "slot_id": id, "score": win.Score, "tier": win.Tier.String(),
	})
	log.Info("slot proposed", logx.Int64("slot_id", id), logx.Time("start", win.Start), logx.Float64("score", win.Score), logx.String("tier", win.Tier.String()))
	return nil
}

func (s *Service) fail(ctx context.Context, log logx.Logger, rc domain.RunContext, cause error) {
	log.Error("run failed", logx.Err(cause))
	st, reason := domain.RunFailed, cause.Error()
	if err := s.store.UpdateRun(ctx, rc.Run.ID, domain.RunPatch{Status: &st, Reason: &reason}); err != nil {
		log.Warn("run not marked failed", logx.Err(err))
	}
	s.send(ctx, log, rc.User.ChatID, failedMessage(rc.Stage, refOf(rc.Run)))
	s.funnel.Record(ctx, rc.User.ID, rc.Plan.ID, funnel.RunFailed, map[string]any{"run_id": rc.Run.ID, "error": reason})
}

// maybeNudge asks the user for a precise location at most once per NudgeTTL.
func (s *Service) maybeNudge(ctx context.Context, log logx.Logger, rc domain.RunContext, now time.Time) {
	if w := rc.Object.Meta.LocationWarnedAt; w != nil && now.Sub(*w) < s.cfg.NudgeTTL {
		return
	}
	if err := s.notify.Send(ctx, rc.User.ChatID, nudgeMessage(rc.Object)); err != nil {
		log.Warn("location nudge not sent", logx.Err(err))
		return
	}
	meta := rc.Object.Meta
	meta.LocationWarnedAt = &now
	if err := s.store.UpdateObjectMeta(ctx, rc.Object.ID, meta); err != nil {
		log.Warn("location nudge not recorded", logx.Err(err))
	}
	s.funnel.Record(ctx, rc.User.ID, rc.Plan.ID, funnel.LocationNudged, map[string]any{"object_id": rc.Object.ID})
}

// preferences builds an hour-of-day histogram from recently accepted slots.
func (s *Service) preferences(ctx context.Context, log logx.Logger, userID int64) window.Preferences {
	accepted, err := s.store.ListAcceptedSlotsForUser(ctx, userID, s.cfg.PreferenceSamples)
	if err != nil {
		log.Warn("preferences unavailable", logx.Err(err))
		return nil
	}
	if len(accepted) == 0 {
		return nil
	}
	p := make(window.Preferences, len(accepted))
	for _, sl := range accepted {
		p[sl.SlotStart.In(s.cfg.Location).Hour()]++
	}
	return p
}

func (s *Service) send(ctx context.Context, log logx.Logger, chatID int64, m tgui.Message) {
	if err := s.notify.Send(ctx, chatID, m); err != nil {
		log.Warn("user notification failed", logx.Err(err))
	}
}

func refOf(r domain.Run) callback.StageRef {
	return callback.StageRef{PlanID: r.PlanID, StageID: r.StageID, OptionID: r.StageOptionID}
}
