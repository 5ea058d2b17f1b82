package reminder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"agroplan/internal/domain"
	"agroplan/internal/storage"
	logx "agroplan/pkg/logx"
	"agroplan/pkg/tgui"
)

type fakeNotifier struct {
	mu    sync.Mutex
	fail  bool
	sent  []string
	chats []int64
}

func (f *fakeNotifier) Send(_ context.Context, chatID int64, m tgui.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("blocked by user")
	}
	f.sent = append(f.sent, m.Text)
	f.chats = append(f.chats, chatID)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeNotifier) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

type fixture struct {
	store *storage.Memory
	user  int64
	n     *fakeNotifier
	s     *Scheduler
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := storage.NewMemory()
	uid, err := st.CreateUser(context.Background(), domain.User{ChatID: 777, Tier: domain.TierFree})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	n := &fakeNotifier{}
	s := New(Config{Sweep: "1h"}, st, n, logx.Nop(), nil)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return fixture{store: st, user: uid, n: n, s: s}
}

func (f fixture) create(t *testing.T, fireAt ...time.Time) []domain.Reminder {
	t.Helper()
	in := make([]domain.Reminder, 0, len(fireAt))
	for _, at := range fireAt {
		in = append(in, domain.Reminder{UserID: f.user, EventID: 1, FireAt: at, Channel: "telegram",
			Payload: domain.ReminderPayload{EventType: domain.EventTreatment, Title: "copper", DueAt: at.Add(2 * time.Hour)}})
	}
	out, err := f.store.CreateReminders(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateReminders: %v", err)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduleManySameIDDeliversOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rs := f.create(t, time.Now().Add(30*time.Millisecond))

	f.s.ScheduleMany(context.Background(), rs)
	f.s.ScheduleMany(context.Background(), rs)
	if got := f.s.Armed(); got != 1 {
		t.Fatalf("armed=%d want 1", got)
	}

	waitFor(t, "delivery", func() bool { return f.n.count() == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := f.n.count(); got != 1 {
		t.Fatalf("deliveries=%d want 1", got)
	}
	r, _ := f.store.GetReminder(context.Background(), rs[0].ID)
	if r.SentAt == nil || r.Status != domain.ReminderSent {
		t.Fatalf("reminder not marked sent: %+v", r)
	}
	if f.n.chats[0] != 777 || !strings.Contains(f.n.sent[0], "Treatment reminder") {
		t.Fatalf("unexpected message to %d: %q", f.n.chats[0], f.n.sent[0])
	}
	if f.s.Armed() != 0 {
		t.Fatalf("timer not released")
	}
}

func TestTickDeliversDueOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	now := time.Now()
	f.create(t, now.Add(-2*time.Hour), now.Add(-time.Minute), now.Add(time.Hour))

	if err := f.s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := f.n.count(); got != 2 {
		t.Fatalf("deliveries=%d want 2", got)
	}
	if got := f.s.Armed(); got != 1 {
		t.Fatalf("future reminder should be armed, armed=%d", got)
	}
	if err := f.s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := f.n.count(); got != 2 {
		t.Fatalf("second tick resent: deliveries=%d", got)
	}
}

func TestFailedSendRetriedBySweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rs := f.create(t, time.Now().Add(-time.Minute))
	f.n.setFail(true)

	if err := f.s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	r, _ := f.store.GetReminder(context.Background(), rs[0].ID)
	if r.SentAt != nil {
		t.Fatalf("failed send must leave reminder unsent")
	}

	f.n.setFail(false)
	if err := f.s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	r, _ = f.store.GetReminder(context.Background(), rs[0].ID)
	if r.SentAt == nil || f.n.count() != 1 {
		t.Fatalf("retry did not deliver: sent_at=%v count=%d", r.SentAt, f.n.count())
	}
}

func TestSweepCancelsArmedTimer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rs := f.create(t, time.Now().Add(80*time.Millisecond))
	f.s.ScheduleMany(context.Background(), rs)

	// Advance the scheduler clock so the reminder is due for the sweep.
	f.s.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := f.s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if f.s.Armed() != 0 {
		t.Fatalf("sweep should disarm the timer")
	}
	time.Sleep(150 * time.Millisecond)
	if got := f.n.count(); got != 1 {
		t.Fatalf("deliveries=%d want 1", got)
	}
}

func TestStartHydratesAndStopCancels(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.create(t, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))

	if err := f.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.s.Armed(); got != 2 {
		t.Fatalf("armed=%d want 2", got)
	}
	f.s.Stop(context.Background())
	if got := f.s.Armed(); got != 0 {
		t.Fatalf("armed after stop=%d", got)
	}
}

func TestStartRejectsBadSweep(t *testing.T) {
	t.Parallel()
	s := New(Config{Sweep: "every now and then"}, storage.NewMemory(), &fakeNotifier{}, logx.Nop(), nil)
	defer s.Stop(context.Background())
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error for bad sweep spec")
	}
}

func TestMaxTimers(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	uid, _ := st.CreateUser(context.Background(), domain.User{ChatID: 1})
	s := New(Config{MaxTimers: 1}, st, &fakeNotifier{}, logx.Nop(), nil)
	defer s.Stop(context.Background())
	at := time.Now().Add(time.Hour)
	rs, _ := st.CreateReminders(context.Background(), []domain.Reminder{{UserID: uid, FireAt: at}, {UserID: uid, FireAt: at}})
	s.ScheduleMany(context.Background(), rs)
	if got := s.Armed(); got != 1 {
		t.Fatalf("armed=%d want 1", got)
	}
}

func TestRenderPHI(t *testing.T) {
	t.Parallel()
	kyiv := time.FixedZone("UTC+3", 3*3600)
	m := Render(domain.Reminder{Payload: domain.ReminderPayload{
		EventType: domain.EventPHI, Title: "apples", DueAt: time.Date(2026, 5, 17, 7, 0, 0, 0, time.UTC),
	}}, kyiv)
	if !strings.Contains(m.Text, "Pre-harvest interval ends") || !strings.Contains(m.Text, "Sun 17 May 10:00") {
		t.Fatalf("unexpected text %q", m.Text)
	}
}
