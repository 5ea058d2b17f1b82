package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"agroplan/internal/domain"
)

type slotKey struct {
	optionID int64
	startMS  int64
}

// Memory is a process-local Backend. Records are copied in and out so callers
// never share mutable state with the store.
type Memory struct {
	mu  sync.Mutex
	seq int64

	users     map[int64]domain.User
	objects   map[int64]domain.Object
	plans     map[int64]domain.Plan
	stages    map[int64]domain.Stage
	options   map[int64]domain.StageOption
	runs      map[int64]domain.Run
	slots     map[int64]domain.Slot
	slotIndex map[slotKey]int64
	events    map[int64]domain.Event
	reminders map[int64]domain.Reminder
	sessions  map[int64]domain.Session
	funnel    []domain.FunnelEvent
}

func NewMemory() *Memory {
	return &Memory{
		users:     map[int64]domain.User{},
		objects:   map[int64]domain.Object{},
		plans:     map[int64]domain.Plan{},
		stages:    map[int64]domain.Stage{},
		options:   map[int64]domain.StageOption{},
		runs:      map[int64]domain.Run{},
		slots:     map[int64]domain.Slot{},
		slotIndex: map[slotKey]int64{},
		events:    map[int64]domain.Event{},
		reminders: map[int64]domain.Reminder{},
		sessions:  map[int64]domain.Session{},
	}
}

func (m *Memory) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) Close() error { return nil }

// ---- catalog ----

func (m *Memory) CreateUser(_ context.Context, u domain.User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = m.nextID()
	if u.Tier == "" {
		u.Tier = domain.TierFree
	}
	m.users[u.ID] = u
	return u.ID, nil
}

func (m *Memory) CreateObject(_ context.Context, o domain.Object) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.nextID()
	m.objects[o.ID] = o
	return o.ID, nil
}

func (m *Memory) CreatePlan(_ context.Context, p domain.Plan) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.nextID()
	if p.Status == "" {
		p.Status = domain.PlanDraft
	}
	m.plans[p.ID] = p
	return p.ID, nil
}

func (m *Memory) CreateStage(_ context.Context, s domain.Stage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.nextID()
	s.Rules = slices.Clone(s.Rules)
	m.stages[s.ID] = s
	return s.ID, nil
}

func (m *Memory) CreateStageOption(_ context.Context, o domain.StageOption) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.nextID()
	m.options[o.ID] = o
	return o.ID, nil
}

// ---- runs ----

func (m *Memory) CreateRun(_ context.Context, r domain.Run) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	r.ID = m.nextID()
	if r.Status == "" {
		r.Status = domain.RunPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.runs[r.ID] = r
	return r.ID, nil
}

func (m *Memory) UpdateRun(_ context.Context, id int64, p domain.RunPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Reason != nil {
		r.Reason = *p.Reason
	}
	r.UpdatedAt = time.Now()
	m.runs[id] = r
	return nil
}

func (m *Memory) ListPendingRuns(_ context.Context, olderThan time.Time, limit int) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Run
	for _, r := range m.runs {
		if r.Status == domain.RunPending && r.CreatedAt.Before(olderThan) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetRunContext(_ context.Context, id int64) (domain.RunContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.RunContext{}, ErrNotFound
	}
	sc, err := m.stageContextLocked(r.PlanID, r.StageID, r.StageOptionID)
	if err != nil {
		return domain.RunContext{}, err
	}
	obj, ok := m.objects[sc.Plan.ObjectID]
	if !ok {
		return domain.RunContext{}, ErrNotFound
	}
	return domain.RunContext{Run: r, User: sc.User, Plan: sc.Plan, Stage: sc.Stage, Option: sc.Option, Object: obj}, nil
}

// ---- slots ----

func (m *Memory) UpsertSlot(_ context.Context, s domain.Slot) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := slotKey{optionID: s.StageOptionID, startMS: s.SlotStart.UnixMilli()}
	s.Reason = slices.Clone(s.Reason)
	if id, ok := m.slotIndex[key]; ok {
		s.ID = id
		m.slots[id] = s
		return id, nil
	}
	s.ID = m.nextID()
	m.slots[s.ID] = s
	m.slotIndex[key] = s.ID
	return s.ID, nil
}

func (m *Memory) GetSlotAt(_ context.Context, stageOptionID int64, start time.Time) (domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.slotIndex[slotKey{optionID: stageOptionID, startMS: start.UnixMilli()}]
	if !ok {
		return domain.Slot{}, ErrNotFound
	}
	s := m.slots[id]
	s.Reason = slices.Clone(s.Reason)
	return s, nil
}

func (m *Memory) GetSlotContext(_ context.Context, id int64) (domain.SlotContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return domain.SlotContext{}, ErrNotFound
	}
	sc, err := m.stageContextLocked(s.PlanID, s.StageID, s.StageOptionID)
	if err != nil {
		return domain.SlotContext{}, err
	}
	out := domain.SlotContext{Slot: s, User: sc.User, Plan: sc.Plan, Stage: sc.Stage, Option: sc.Option}
	out.Slot.Reason = slices.Clone(s.Reason)
	if s.AutoplanRunID != nil {
		if r, ok := m.runs[*s.AutoplanRunID]; ok {
			out.Run = &r
		}
	}
	return out, nil
}

func (m *Memory) UpdateSlot(_ context.Context, id int64, p domain.SlotPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	m.slots[id] = s
	return nil
}

func (m *Memory) ListAcceptedSlotsForUser(_ context.Context, userID int64, limit int) ([]domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Slot
	for _, s := range m.slots {
		if s.UserID == userID && s.Status == domain.SlotAccepted {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotStart.After(out[j].SlotStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- events & reminders ----

func (m *Memory) CreateEvents(_ context.Context, evs []domain.Event) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, 0, len(evs))
	for _, e := range evs {
		e.ID = m.nextID()
		m.events[e.ID] = e
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) CreateReminders(_ context.Context, rs []domain.Reminder) ([]domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Reminder, 0, len(rs))
	for _, r := range rs {
		r.ID = m.nextID()
		if r.Status == "" {
			r.Status = domain.ReminderPending
		}
		r.ChatID = m.users[r.UserID].ChatID
		m.reminders[r.ID] = r
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) filterReminders(keep func(r domain.Reminder) bool) []domain.Reminder {
	var out []domain.Reminder
	for _, r := range m.reminders {
		if r.SentAt == nil && keep(r) {
			r.ChatID = m.users[r.UserID].ChatID
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) DueReminders(_ context.Context, now time.Time) ([]domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterReminders(func(r domain.Reminder) bool { return !r.FireAt.After(now) }), nil
}

func (m *Memory) PendingReminders(_ context.Context, after time.Time) ([]domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterReminders(func(r domain.Reminder) bool { return r.FireAt.After(after) }), nil
}

func (m *Memory) GetReminder(_ context.Context, id int64) (domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return domain.Reminder{}, ErrNotFound
	}
	r.ChatID = m.users[r.UserID].ChatID
	return r, nil
}

func (m *Memory) MarkReminderSent(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return ErrNotFound
	}
	r.SentAt = &at
	r.Status = domain.ReminderSent
	m.reminders[id] = r
	return nil
}

// Events returns a snapshot of all events, ordered by id.
func (m *Memory) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reminders returns a snapshot of all reminders, ordered by id.
func (m *Memory) Reminders() []domain.Reminder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Reminder, 0, len(m.reminders))
	for _, r := range m.reminders {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Slots returns a snapshot of all slots, ordered by id.
func (m *Memory) Slots() []domain.Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Runs returns a snapshot of all runs, ordered by id.
func (m *Memory) Runs() []domain.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Funnel returns the recorded funnel events in insertion order.
func (m *Memory) Funnel() []domain.FunnelEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.funnel)
}

// ---- plans, sessions, objects ----

func (m *Memory) UpdatePlanStatus(_ context.Context, planID int64, status domain.PlanStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planID]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	m.plans[planID] = p
	return nil
}

func (m *Memory) GetSessionByPlan(_ context.Context, planID int64, now time.Time) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[planID]
	if !ok || (!s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now)) {
		return domain.Session{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) UpdateSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.PlanID] = s
	return nil
}

func (m *Memory) DeleteSessionsByPlan(_ context.Context, planID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, planID)
	return nil
}

func (m *Memory) UpdateObjectMeta(_ context.Context, objectID int64, meta domain.ObjectMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[objectID]
	if !ok {
		return ErrNotFound
	}
	o.Meta = meta
	m.objects[objectID] = o
	return nil
}

func (m *Memory) GetStageContext(_ context.Context, planID, stageID, optionID int64) (domain.StageContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stageContextLocked(planID, stageID, optionID)
}

func (m *Memory) stageContextLocked(planID, stageID, optionID int64) (domain.StageContext, error) {
	p, ok := m.plans[planID]
	if !ok {
		return domain.StageContext{}, ErrNotFound
	}
	st, ok := m.stages[stageID]
	if !ok || st.PlanID != planID {
		return domain.StageContext{}, ErrNotFound
	}
	opt, ok := m.options[optionID]
	if !ok || opt.StageID != stageID {
		return domain.StageContext{}, ErrNotFound
	}
	u, ok := m.users[p.UserID]
	if !ok {
		return domain.StageContext{}, ErrNotFound
	}
	return domain.StageContext{User: u, Plan: p, Stage: st, Option: opt}, nil
}

func (m *Memory) GetUserByChatID(_ context.Context, chatID int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ChatID == chatID {
			return u, nil
		}
	}
	return domain.User{}, ErrNotFound
}

func (m *Memory) LogFunnelEvent(_ context.Context, e domain.FunnelEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.funnel = append(m.funnel, e)
	return nil
}

// Object returns a copy of the stored object (test helper).
func (m *Memory) Object(id int64) (domain.Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[id]
	return o, ok
}

// Plan returns a copy of the stored plan (test helper).
func (m *Memory) Plan(id int64) (domain.Plan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	return p, ok
}

// Slot returns a copy of the stored slot (test helper).
func (m *Memory) Slot(id int64) (domain.Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	return s, ok
}
