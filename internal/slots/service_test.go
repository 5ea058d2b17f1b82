package slots

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"agroplan/internal/domain"
	"agroplan/internal/funnel"
	"agroplan/internal/storage"
	logx "agroplan/pkg/logx"
	"agroplan/pkg/tgui"
)

type sentMsg struct {
	chat int64
	text string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (f *fakeNotifier) Send(_ context.Context, chatID int64, m tgui.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{chat: chatID, text: m.Text})
	return nil
}

type fakeQueue struct{ runs []int64 }

func (q *fakeQueue) EnqueueRun(_ context.Context, runID int64) error {
	q.runs = append(q.runs, runID)
	return nil
}

type fakeArmer struct{ armed []domain.Reminder }

func (a *fakeArmer) ScheduleMany(_ context.Context, rs []domain.Reminder) {
	a.armed = append(a.armed, rs...)
}

type fixture struct {
	store  *storage.Memory
	svc    *Service
	notify *fakeNotifier
	queue  *fakeQueue
	armer  *fakeArmer
	now    time.Time

	userID, planID, stageID, optionID, runID int64
}

func newFixture(t *testing.T, tier domain.Tier, phiDays int) *fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	f := &fixture{store: st, notify: &fakeNotifier{}, queue: &fakeQueue{}, armer: &fakeArmer{}, now: time.Now()}

	var err error
	must := func(id int64, err error) int64 {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		return id
	}
	f.userID = must(st.CreateUser(ctx, domain.User{ChatID: 555, Tier: tier}))
	objID := must(st.CreateObject(ctx, domain.Object{UserID: f.userID, Name: "north orchard"}))
	f.planID = must(st.CreatePlan(ctx, domain.Plan{UserID: f.userID, ObjectID: objID, Title: "apples", Status: domain.PlanProposed}))
	f.stageID = must(st.CreateStage(ctx, domain.Stage{PlanID: f.planID, Title: "Scab spray", Kind: domain.StageSeason, PhiDays: phiDays}))
	f.optionID = must(st.CreateStageOption(ctx, domain.StageOption{StageID: f.stageID, Product: "copper"}))
	f.runID = must(st.CreateRun(ctx, domain.Run{
		UserID: f.userID, PlanID: f.planID, StageID: f.stageID, StageOptionID: f.optionID,
		MinHoursAhead: 3, HorizonHours: 48, Status: domain.RunAwaitingConfirmation,
	}))
	if err = st.UpdateSession(ctx, domain.Session{
		PlanID: f.planID, UserID: f.userID, CurrentStep: domain.StepAutoplanSlot, ExpiresAt: f.now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	f.svc = New(Config{}, st, f.notify, f.queue, f.armer, funnel.New(st, nil, logx.Nop()), logx.Nop())
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) proposed(t *testing.T, start time.Time) int64 {
	t.Helper()
	run := f.runID
	id, err := f.store.UpsertSlot(context.Background(), domain.Slot{
		AutoplanRunID: &run, UserID: f.userID, PlanID: f.planID, StageID: f.stageID, StageOptionID: f.optionID,
		SlotStart: start, SlotEnd: start.Add(90 * time.Minute), Score: 190,
		Reason: []string{"No rain above 0.2 mm"}, Status: domain.SlotProposed,
	})
	if err != nil {
		t.Fatalf("UpsertSlot: %v", err)
	}
	return id
}

func (f *fixture) run(id int64) domain.Run {
	for _, r := range f.store.Runs() {
		if r.ID == id {
			return r
		}
	}
	return domain.Run{}
}

func funnelNames(st *storage.Memory) []string {
	var out []string
	for _, e := range st.Funnel() {
		out = append(out, e.Name)
	}
	return out
}

func TestAcceptSchedulesTreatment(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.TierFree, 0)
	start := f.now.Add(4 * time.Hour)
	slotID := f.proposed(t, start)

	if err := f.svc.Accept(context.Background(), f.userID, slotID); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	evs := f.store.Events()
	if len(evs) != 1 {
		t.Fatalf("events=%d want 1", len(evs))
	}
	ev := evs[0]
	if ev.Type != domain.EventTreatment || !ev.DueAt.Equal(start) || ev.Source != domain.SourceAutoplan {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.SlotEnd == nil || !ev.SlotEnd.Equal(start.Add(90*time.Minute)) {
		t.Fatalf("slot end not carried: %v", ev.SlotEnd)
	}

	rs := f.store.Reminders()
	if len(rs) != 1 {
		t.Fatalf("reminders=%d want 1", len(rs))
	}
	if !rs[0].FireAt.Equal(start.Add(-2*time.Hour)) || rs[0].EventID != ev.ID {
		t.Fatalf("unexpected reminder %+v", rs[0])
	}
	if len(f.armer.armed) != 1 || f.armer.armed[0].ID != rs[0].ID {
		t.Fatalf("reminder not armed: %+v", f.armer.armed)
	}

	if s, _ := f.store.Slot(slotID); s.Status != domain.SlotAccepted {
		t.Fatalf("slot status=%s", s.Status)
	}
	if r := f.run(f.runID); r.Status != domain.RunAccepted {
		t.Fatalf("run status=%s", r.Status)
	}
	if p, _ := f.store.Plan(f.planID); p.Status != domain.PlanScheduled {
		t.Fatalf("plan status=%s", p.Status)
	}
	if _, err := f.store.GetSessionByPlan(context.Background(), f.planID, f.now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("session should be cleared, got %v", err)
	}

	if len(f.notify.sent) != 1 || f.notify.sent[0].chat != 555 || !strings.Contains(f.notify.sent[0].text, "Treatment scheduled") {
		t.Fatalf("unexpected notifications %+v", f.notify.sent)
	}
	if got := funnelNames(f.store); len(got) != 1 || got[0] != funnel.SlotAccepted {
		t.Fatalf("funnel=%v", got)
	}
}

func TestAcceptOneReminderPerTreatment(t *testing.T) {
	t.Parallel()
	for _, ahead := range []time.Duration{3 * time.Hour, 30 * time.Hour, 5 * 24 * time.Hour} {
		t.Run(ahead.String(), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, domain.TierFree, 0)
			start := f.now.Add(ahead)
			slotID := f.proposed(t, start)

			if err := f.svc.Accept(context.Background(), f.userID, slotID); err != nil {
				t.Fatalf("Accept: %v", err)
			}
			if got := len(f.store.Events()); got != 1 {
				t.Fatalf("events=%d want 1", got)
			}
			rs := f.store.Reminders()
			if len(rs) != 1 || !rs[0].FireAt.Equal(start.Add(-2*time.Hour)) {
				t.Fatalf("reminders=%+v want one at %v", rs, start.Add(-2*time.Hour))
			}
			if strings.Contains(f.notify.sent[0].text, "Free plan") {
				t.Fatalf("nothing should be dropped: %q", f.notify.sent[0].text)
			}
		})
	}
}

func TestAcceptFreeTierTruncatesReminders(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name      string
		tier      domain.Tier
		reminders int
		truncated bool
	}{
		{"free", domain.TierFree, 2, true},
		{"pro", domain.TierPro, 3, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tc.tier, 7)
			f.svc.cfg.TreatmentOffsets = []time.Duration{24 * time.Hour, 2 * time.Hour}
			slotID := f.proposed(t, f.now.Add(48*time.Hour))

			if err := f.svc.Accept(context.Background(), f.userID, slotID); err != nil {
				t.Fatalf("Accept: %v", err)
			}
			if got := len(f.store.Events()); got != 2 {
				t.Fatalf("events=%d want 2 (treatment + phi)", got)
			}
			rs := f.store.Reminders()
			if len(rs) != tc.reminders {
				t.Fatalf("reminders=%d want %d", len(rs), tc.reminders)
			}
			// The earliest reminders survive the cap.
			if !rs[0].FireAt.Equal(f.now.Add(24*time.Hour)) || !rs[1].FireAt.Equal(f.now.Add(46*time.Hour)) {
				t.Fatalf("unexpected fire times %v, %v", rs[0].FireAt, rs[1].FireAt)
			}
			names := strings.Join(funnelNames(f.store), ",")
			if strings.Contains(names, funnel.RemindersTruncated) != tc.truncated {
				t.Fatalf("funnel=%s truncated=%v", names, tc.truncated)
			}
			if strings.Contains(f.notify.sent[0].text, "Free plan") != tc.truncated {
				t.Fatalf("notification=%q", f.notify.sent[0].text)
			}
		})
	}
}

func TestAcceptRejectsStaleOrForeignSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.TierFree, 0)
	slotID := f.proposed(t, f.now.Add(4*time.Hour))

	if err := f.svc.Accept(context.Background(), f.userID+100, slotID); !errors.Is(err, ErrInvalid) {
		t.Fatalf("foreign user: got %v want ErrInvalid", err)
	}
	if err := f.svc.Accept(context.Background(), f.userID, 9999); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing slot: got %v want ErrInvalid", err)
	}
	if err := f.svc.Accept(context.Background(), f.userID, slotID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	// Accepting twice is a no-op.
	if err := f.svc.Accept(context.Background(), f.userID, slotID); !errors.Is(err, ErrInvalid) {
		t.Fatalf("second accept: got %v want ErrInvalid", err)
	}
	if got := len(f.store.Events()); got != 1 {
		t.Fatalf("events=%d want 1", got)
	}
	if err := f.svc.Cancel(context.Background(), f.userID, slotID); !errors.Is(err, ErrInvalid) {
		t.Fatalf("cancel accepted slot: got %v", err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.TierFree, 0)
	slotID := f.proposed(t, f.now.Add(4*time.Hour))

	if err := f.svc.Cancel(context.Background(), f.userID, slotID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if s, _ := f.store.Slot(slotID); s.Status != domain.SlotCancelled {
		t.Fatalf("slot status=%s", s.Status)
	}
	if r := f.run(f.runID); r.Status != domain.RunCancelled {
		t.Fatalf("run status=%s", r.Status)
	}
	if len(f.store.Events()) != 0 || len(f.store.Reminders()) != 0 {
		t.Fatalf("cancel must not create events or reminders")
	}
	if _, err := f.store.GetSessionByPlan(context.Background(), f.planID, f.now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("session should be cleared, got %v", err)
	}
}

func TestDecidedSlotIgnoresActions(t *testing.T) {
	t.Parallel()
	for _, status := range []domain.SlotStatus{domain.SlotAccepted, domain.SlotCancelled, domain.SlotRejected} {
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, domain.TierFree, 0)
			slotID := f.proposed(t, f.now.Add(30*time.Hour))
			if err := f.store.UpdateSlot(context.Background(), slotID, domain.SlotPatch{Status: &status}); err != nil {
				t.Fatalf("UpdateSlot: %v", err)
			}
			runsBefore := len(f.store.Runs())

			if err := f.svc.Accept(context.Background(), f.userID, slotID); !errors.Is(err, ErrInvalid) {
				t.Fatalf("accept: got %v want ErrInvalid", err)
			}
			if err := f.svc.Cancel(context.Background(), f.userID, slotID); !errors.Is(err, ErrInvalid) {
				t.Fatalf("cancel: got %v want ErrInvalid", err)
			}
			if _, err := f.svc.Reschedule(context.Background(), f.userID, slotID); !errors.Is(err, ErrInvalid) {
				t.Fatalf("reschedule: got %v want ErrInvalid", err)
			}

			if got := len(f.store.Runs()); got != runsBefore {
				t.Fatalf("runs=%d want %d", got, runsBefore)
			}
			if len(f.queue.runs) != 0 {
				t.Fatalf("enqueued=%v want none", f.queue.runs)
			}
			if len(f.store.Events()) != 0 || len(f.store.Reminders()) != 0 || len(f.armer.armed) != 0 {
				t.Fatalf("decided slot produced events or reminders")
			}
			if s, _ := f.store.Slot(slotID); s.Status != status {
				t.Fatalf("slot status=%s want %s", s.Status, status)
			}
			if r := f.run(f.runID); r.Status != domain.RunAwaitingConfirmation {
				t.Fatalf("run status=%s", r.Status)
			}
			if len(f.notify.sent) != 0 || len(f.store.Funnel()) != 0 {
				t.Fatalf("decided slot produced notifications or funnel events")
			}
		})
	}
}

func TestRescheduleStartsNewRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.TierFree, 0)
	slotID := f.proposed(t, f.now.Add(4*time.Hour))

	newRun, err := f.svc.Reschedule(context.Background(), f.userID, slotID)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if s, _ := f.store.Slot(slotID); s.Status != domain.SlotRejected {
		t.Fatalf("slot status=%s", s.Status)
	}
	if r := f.run(f.runID); r.Status != domain.RunRejected {
		t.Fatalf("old run status=%s", r.Status)
	}
	r := f.run(newRun)
	if r.Status != domain.RunPending || r.StageID != f.stageID || r.StageOptionID != f.optionID {
		t.Fatalf("unexpected new run %+v", r)
	}
	if r.MinHoursAhead != 3 || r.HorizonHours != 48 {
		t.Fatalf("run parameters not copied: %+v", r)
	}
	if len(f.queue.runs) != 1 || f.queue.runs[0] != newRun {
		t.Fatalf("enqueued=%v want [%d]", f.queue.runs, newRun)
	}
	sess, err := f.store.GetSessionByPlan(context.Background(), f.planID, f.now)
	if err != nil || sess.CurrentStep != domain.StepAutoplanLookup || sess.State.RunID != newRun {
		t.Fatalf("session=%+v err=%v", sess, err)
	}
}

func TestCommitManual(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.TierFree, 0)
	stc, err := f.store.GetStageContext(context.Background(), f.planID, f.stageID, f.optionID)
	if err != nil {
		t.Fatalf("GetStageContext: %v", err)
	}
	start := f.now.Add(30 * time.Hour).Truncate(time.Hour)

	if _, err := f.svc.CommitManual(context.Background(), f.userID+1, stc, start); !errors.Is(err, ErrInvalid) {
		t.Fatalf("foreign user: got %v", err)
	}
	slot, err := f.svc.CommitManual(context.Background(), f.userID, stc, start)
	if err != nil {
		t.Fatalf("CommitManual: %v", err)
	}
	if slot.Status != domain.SlotAccepted || slot.AutoplanRunID != nil || !slot.SlotEnd.Equal(start.Add(90*time.Minute)) {
		t.Fatalf("unexpected slot %+v", slot)
	}
	evs := f.store.Events()
	if len(evs) != 1 || evs[0].Source != domain.SourceManual {
		t.Fatalf("unexpected events %+v", evs)
	}
	if got := len(f.store.Reminders()); got != 1 {
		t.Fatalf("reminders=%d want 1", got)
	}
	if got := funnelNames(f.store); len(got) != 1 || got[0] != funnel.ManualScheduled {
		t.Fatalf("funnel=%v", got)
	}
}

func TestCommitManualRepeatIsInvalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.TierFree, 0)
	ctx := context.Background()
	stc, err := f.store.GetStageContext(ctx, f.planID, f.stageID, f.optionID)
	if err != nil {
		t.Fatalf("GetStageContext: %v", err)
	}
	start := f.now.Add(30 * time.Hour).Truncate(time.Hour)

	if _, err := f.svc.CommitManual(ctx, f.userID, stc, start); err != nil {
		t.Fatalf("CommitManual: %v", err)
	}
	if _, err := f.svc.CommitManual(ctx, f.userID, stc, start); !errors.Is(err, ErrInvalid) {
		t.Fatalf("second confirm: got %v want ErrInvalid", err)
	}
	if ev, rs := len(f.store.Events()), len(f.store.Reminders()); ev != 1 || rs != 1 {
		t.Fatalf("events=%d reminders=%d want 1 and 1", ev, rs)
	}
	if len(f.notify.sent) != 1 {
		t.Fatalf("notifications=%d want 1", len(f.notify.sent))
	}

	// A different time for the same stage option is still allowed.
	if _, err := f.svc.CommitManual(ctx, f.userID, stc, start.Add(24*time.Hour)); err != nil {
		t.Fatalf("CommitManual other time: %v", err)
	}
}

func TestBuildReminders(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 10, 6, 0, 0, 0, time.UTC)
	evs := []domain.Event{
		{ID: 1, Type: domain.EventTreatment, DueAt: now.Add(3 * time.Hour)},
		{ID: 2, Type: domain.EventTreatment, DueAt: now.Add(time.Hour)},
		{ID: 3, Type: domain.EventTreatment, DueAt: now.Add(-time.Hour)},
		{ID: 4, Type: domain.EventPHI, DueAt: now.Add(72 * time.Hour)},
	}
	rs := BuildReminders(evs, 9, "copper", []time.Duration{2 * time.Hour}, now)
	if len(rs) != 3 {
		t.Fatalf("reminders=%d want 3", len(rs))
	}
	// Ordered by FireAt, stable on ties; the lead time for event 2 has
	// passed so it fires at due.
	want := []struct {
		event int64
		at    time.Time
	}{
		{1, now.Add(time.Hour)},
		{2, now.Add(time.Hour)},
		{4, now.Add(72 * time.Hour)},
	}
	for i, w := range want {
		if rs[i].EventID != w.event || !rs[i].FireAt.Equal(w.at) {
			t.Fatalf("reminder %d = event %d at %v, want event %d at %v", i, rs[i].EventID, rs[i].FireAt, w.event, w.at)
		}
	}
	if rs[2].Payload.EventType != domain.EventPHI {
		t.Fatalf("unexpected PHI reminder %+v", rs[2])
	}

	// Offsets that fall back to due_at collapse into one reminder.
	two := BuildReminders(evs[1:2], 9, "copper", []time.Duration{24 * time.Hour, 2 * time.Hour}, now)
	if len(two) != 1 || !two[0].FireAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("collapsed reminders=%+v", two)
	}

	kept, dropped := CapReminders(rs, 1)
	if len(kept) != 1 || dropped != 2 || kept[0].EventID != 1 {
		t.Fatalf("cap kept=%v dropped=%d", kept, dropped)
	}
}
