// Package manual offers fixed fallback times when no weather window is found.
//
// All candidates are computed in one configured location and must be at least
// MinLead ahead of now. A confirmed pick is re-checked against the clock before
// anything is written.
package manual

import (
	"context"
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"

	"agroplan/internal/callback"
	"agroplan/internal/domain"
	"agroplan/internal/slots"
	"agroplan/internal/storage"
	logx "agroplan/pkg/logx"
	"agroplan/pkg/tgui"
)

// ErrExpired means the picked time is no longer in the future.
var ErrExpired = errors.New("picked time has passed")

const maxExtended = 6

type Store interface {
	GetStageContext(ctx context.Context, planID, stageID, optionID int64) (domain.StageContext, error)
	UpdateSession(ctx context.Context, s domain.Session) error
}

// Committer stores a manually chosen slot with its events and reminders.
type Committer interface {
	CommitManual(ctx context.Context, userID int64, stc domain.StageContext, start time.Time) (domain.Slot, error)
}

type Config struct {
	Location    *time.Location
	EveningHour int
	MorningHour int
	// PickerHours are the fixed times offered per day in the extended picker.
	PickerHours []int
	PickerDays  int
	MinLead     time.Duration
	// MaxPushDays bounds how far a preset is pushed to respect MinLead.
	MaxPushDays int
	SessionTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.EveningHour <= 0 || c.EveningHour > 23 {
		c.EveningHour = 19
	}
	if c.MorningHour <= 0 || c.MorningHour > 23 {
		c.MorningHour = 7
	}
	if len(c.PickerHours) == 0 {
		c.PickerHours = []int{8, 18}
	}
	if c.PickerDays <= 0 {
		c.PickerDays = 3
	}
	if c.MinLead <= 0 {
		c.MinLead = 2 * time.Hour
	}
	if c.MaxPushDays <= 0 {
		c.MaxPushDays = 3
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	return c
}

// Candidate is one offered start time.
type Candidate struct {
	Label string
	At    time.Time
}

type Picker struct {
	cfg    Config
	store  Store
	commit Committer
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, store Store, commit Committer, log logx.Logger) *Picker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Picker{
		cfg:    cfg.withDefaults(),
		store:  store,
		commit: commit,
		log:    log.With(logx.String("comp", "manual")),
		now:    time.Now,
	}
}

func (p *Picker) at(now time.Time, dayOffset, hour int) time.Time {
	l := now.In(p.cfg.Location)
	return time.Date(l.Year(), l.Month(), l.Day()+dayOffset, hour, 0, 0, 0, p.cfg.Location)
}

func (p *Picker) leadOK(now, at time.Time) bool {
	return at.Sub(now) >= p.cfg.MinLead
}

// preset returns the first of dayOffset, dayOffset+1, ... (bounded) that respects the lead time.
func (p *Picker) preset(now time.Time, dayOffset, hour int) (time.Time, bool) {
	for i := 0; i <= p.cfg.MaxPushDays; i++ {
		at := p.at(now, dayOffset+i, hour)
		if p.leadOK(now, at) {
			return at, true
		}
	}
	return time.Time{}, false
}

// Presets returns "today evening" and "tomorrow morning", each pushed forward
// by whole days when too close.
func (p *Picker) Presets(now time.Time) []Candidate {
	out := make([]Candidate, 0, 2)
	if at, ok := p.preset(now, 0, p.cfg.EveningHour); ok {
		out = append(out, Candidate{Label: "🌇 " + p.label(now, at), At: at})
	}
	if at, ok := p.preset(now, 1, p.cfg.MorningHour); ok {
		out = append(out, Candidate{Label: "🌅 " + p.label(now, at), At: at})
	}
	return out
}

// Extended returns up to six fixed times over the next days, soonest first.
func (p *Picker) Extended(now time.Time) []Candidate {
	out := make([]Candidate, 0, maxExtended)
	for d := 0; d < p.cfg.PickerDays; d++ {
		for _, h := range p.cfg.PickerHours {
			at := p.at(now, d, h)
			if !p.leadOK(now, at) {
				continue
			}
			out = append(out, Candidate{Label: p.label(now, at), At: at})
			if len(out) == maxExtended {
				return out
			}
		}
	}
	return out
}

func (p *Picker) label(now, at time.Time) string {
	l := at.In(p.cfg.Location)
	today := now.In(p.cfg.Location)
	switch {
	case sameDay(l, today):
		return "Today " + l.Format("15:04")
	case sameDay(l, today.AddDate(0, 0, 1)):
		return "Tomorrow " + l.Format("15:04")
	default:
		return l.Format("Mon 02 Jan 15:04")
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Open checks the stage belongs to userID, moves the session to the manual
// prompt and renders the quick presets.
func (p *Picker) Open(ctx context.Context, userID int64, ref callback.StageRef) (tgui.Message, error) {
	stc, err := p.stage(ctx, userID, ref)
	if err != nil {
		return tgui.Message{}, err
	}
	now := p.now()
	if err := p.store.UpdateSession(ctx, domain.Session{
		PlanID:      ref.PlanID,
		UserID:      userID,
		CurrentStep: domain.StepManualPrompt,
		State:       domain.SessionState{StageID: ref.StageID, StageOptionID: ref.OptionID},
		ExpiresAt:   now.Add(p.cfg.SessionTTL),
	}); err != nil {
		p.log.Warn("session not updated", logx.Int64("plan_id", ref.PlanID), logx.Err(err))
	}
	return p.PromptMessage(stc.Stage, ref, now), nil
}

// PromptMessage renders quick presets plus entries for more times and autoplan.
func (p *Picker) PromptMessage(st domain.Stage, ref callback.StageRef, now time.Time) tgui.Message {
	kb := tgui.NewInline()
	for _, c := range p.Presets(now) {
		kb.Row(tgui.Button(c.Label, callback.ManualSlot{Ref: ref, At: c.At}.Encode()))
	}
	kb.Row(
		tgui.Button("🗓 More times", callback.ManualMore{Ref: ref}.Encode()),
		tgui.Button("🌤 Find a window", callback.AutoplanStart{Ref: ref}.Encode()),
	)
	b := tgui.New().Title("🗓", "Pick a time")
	if st.Title != "" {
		b.Line(st.Title)
	}
	return b.Inline(kb).Build()
}

// More renders the extended picker in two columns.
func (p *Picker) More(ctx context.Context, userID int64, ref callback.StageRef) (tgui.Message, error) {
	if _, err := p.stage(ctx, userID, ref); err != nil {
		return tgui.Message{}, err
	}
	cands := p.Extended(p.now())
	btns := make([]tele.Btn, 0, len(cands))
	for _, c := range cands {
		btns = append(btns, tgui.Button(c.Label, callback.ManualSlot{Ref: ref, At: c.At}.Encode()))
	}
	b := tgui.New().Title("🗓", "More times")
	if len(btns) == 0 {
		b.Line("No times left in the next days. Try a window search instead.")
		return b.Build(), nil
	}
	return b.Inline(tgui.Grid(2, btns...)).Build(), nil
}

// Confirm commits the pick. A time that is no longer in the future yields
// ErrExpired and nothing is written.
func (p *Picker) Confirm(ctx context.Context, userID int64, ref callback.StageRef, at time.Time) (domain.Slot, error) {
	if !at.After(p.now()) {
		return domain.Slot{}, ErrExpired
	}
	stc, err := p.stage(ctx, userID, ref)
	if err != nil {
		return domain.Slot{}, err
	}
	return p.commit.CommitManual(ctx, userID, stc, at)
}

func (p *Picker) stage(ctx context.Context, userID int64, ref callback.StageRef) (domain.StageContext, error) {
	stc, err := p.store.GetStageContext(ctx, ref.PlanID, ref.StageID, ref.OptionID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.StageContext{}, slots.ErrInvalid
	}
	if err != nil {
		return domain.StageContext{}, err
	}
	if stc.User.ID != userID {
		return domain.StageContext{}, slots.ErrInvalid
	}
	return stc, nil
}
