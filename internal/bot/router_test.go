package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agroplan/internal/callback"
	"agroplan/internal/domain"
	"agroplan/internal/manual"
	"agroplan/internal/slots"
	"agroplan/internal/storage"
	kit "agroplan/internal/transport"
	logx "agroplan/pkg/logx"
	"agroplan/pkg/tgui"
)

type fakeOut struct {
	mu      sync.Mutex
	answers map[string]string
	sent    []string
	edited  []kit.MessageRef
	editErr error
}

func (f *fakeOut) EditText(_ context.Context, ref kit.MessageRef, _ string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, ref)
	return f.editErr
}

func (f *fakeOut) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{}, nil
}

func (f *fakeOut) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answers == nil {
		f.answers = map[string]string{}
	}
	f.answers[id] = text
	return nil
}

func (f *fakeOut) answer(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.answers[id]
	return s, ok
}

type fakeSlots struct {
	mu       sync.Mutex
	accepted []int64
	err      error
}

func (f *fakeSlots) Accept(_ context.Context, userID, slotID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.accepted = append(f.accepted, slotID)
	return nil
}
func (f *fakeSlots) Cancel(context.Context, int64, int64) error { return nil }
func (f *fakeSlots) Reschedule(context.Context, int64, int64) (int64, error) {
	return 1, nil
}

type fakePicker struct {
	opened  int
	confirm error
}

func (p *fakePicker) Open(context.Context, int64, callback.StageRef) (tgui.Message, error) {
	p.opened++
	return tgui.Text("pick a time"), nil
}
func (p *fakePicker) More(context.Context, int64, callback.StageRef) (tgui.Message, error) {
	return tgui.Text("more"), nil
}
func (p *fakePicker) Confirm(_ context.Context, _ int64, _ callback.StageRef, at time.Time) (domain.Slot, error) {
	return domain.Slot{SlotStart: at}, p.confirm
}

type fakeAutoplan struct{ started int }

func (a *fakeAutoplan) StartRun(context.Context, int64, callback.StageRef) (int64, error) {
	a.started++
	return 1, nil
}

type fixture struct {
	r      *Router
	out    *fakeOut
	slots  *fakeSlots
	picker *fakePicker
	auto   *fakeAutoplan
	userID int64
}

const chat = 9001

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := storage.NewMemory()
	uid, err := st.CreateUser(context.Background(), domain.User{ChatID: chat})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	f := &fixture{out: &fakeOut{}, slots: &fakeSlots{}, picker: &fakePicker{}, auto: &fakeAutoplan{}, userID: uid}
	f.r = New(cfg, Deps{Users: st, Slots: f.slots, Picker: f.picker, Autoplan: f.auto, Out: f.out}, logx.Nop())
	return f
}

func press(id, data string) kit.Callback {
	return kit.Callback{ID: id, FromID: chat, ChatID: chat, Data: data}
}

func TestHandleCallbackDispatch(t *testing.T) {
	t.Parallel()
	ref := callback.StageRef{PlanID: 1, StageID: 2, OptionID: 3}
	cases := []struct {
		name   string
		data   string
		answer string
		check  func(t *testing.T, f *fixture)
	}{
		{"accept", callback.SlotAccept{SlotID: 5}.Encode(), "Scheduled", func(t *testing.T, f *fixture) {
			if len(f.slots.accepted) != 1 || f.slots.accepted[0] != 5 {
				t.Fatalf("accepted=%v", f.slots.accepted)
			}
		}},
		{"autoplan", callback.AutoplanStart{Ref: ref}.Encode(), "Searching", func(t *testing.T, f *fixture) {
			if f.auto.started != 1 {
				t.Fatalf("runs started=%d", f.auto.started)
			}
		}},
		{"manual open", callback.ManualOpen{Ref: ref}.Encode(), "", func(t *testing.T, f *fixture) {
			if len(f.out.sent) != 1 || f.out.sent[0] != "pick a time" {
				t.Fatalf("sent=%v", f.out.sent)
			}
		}},
		{"manual more without message", callback.ManualMore{Ref: ref}.Encode(), "", func(t *testing.T, f *fixture) {
			if len(f.out.edited) != 0 || len(f.out.sent) != 1 || f.out.sent[0] != "more" {
				t.Fatalf("edited=%v sent=%v", f.out.edited, f.out.sent)
			}
		}},
		{"malformed", "slot_accept|abc", answerExpired, func(t *testing.T, f *fixture) {
			if len(f.slots.accepted) != 0 {
				t.Fatalf("malformed data reached slots")
			}
		}},
		{"unknown action", "drop_tables|1", answerExpired, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{})
			f.r.HandleCallback(context.Background(), press("cb1", tc.data))
			got, ok := f.out.answer("cb1")
			if !ok || got != tc.answer {
				t.Fatalf("answer=%q answered=%v want %q", got, ok, tc.answer)
			}
			if tc.check != nil {
				tc.check(t, f)
			}
		})
	}
}

func TestUnknownUserIsExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	cb := press("cb1", callback.SlotAccept{SlotID: 5}.Encode())
	cb.FromID = 1234
	f.r.HandleCallback(context.Background(), cb)
	if got, _ := f.out.answer("cb1"); got != answerExpired || len(f.slots.accepted) != 0 {
		t.Fatalf("answer=%q accepted=%v", got, f.slots.accepted)
	}
}

func TestStaleSlotAnswersExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.slots.err = slots.ErrInvalid
	f.r.HandleCallback(context.Background(), press("cb1", callback.SlotAccept{SlotID: 5}.Encode()))
	if got, _ := f.out.answer("cb1"); got != answerExpired {
		t.Fatalf("answer=%q", got)
	}
}

func TestExpiredManualPickReopensPicker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.picker.confirm = manual.ErrExpired
	data := callback.ManualSlot{Ref: callback.StageRef{PlanID: 1, StageID: 2, OptionID: 3}, At: time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)}.Encode()

	f.r.HandleCallback(context.Background(), press("cb1", data))
	if f.picker.opened != 1 || len(f.out.sent) != 1 {
		t.Fatalf("picker not re-shown: opened=%d sent=%v", f.picker.opened, f.out.sent)
	}
	if got, _ := f.out.answer("cb1"); got == "Scheduled" {
		t.Fatalf("expired pick answered as scheduled")
	}
}

func TestPerUserRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RatePerSec: 0.001, Burst: 2})
	data := callback.SlotAccept{SlotID: 5}.Encode()
	for i := 0; i < 4; i++ {
		f.r.HandleCallback(context.Background(), press("cb"+string(rune('a'+i)), data))
	}
	if got := len(f.slots.accepted); got != 2 {
		t.Fatalf("dispatched=%d want 2", got)
	}
	if got, _ := f.out.answer("cbd"); got != answerSlow {
		t.Fatalf("answer=%q want %q", got, answerSlow)
	}
}

func TestLimiterTableIsBounded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxLimiters: 2, LimiterTTL: time.Minute})
	now := time.Date(2026, 5, 10, 6, 0, 0, 0, time.UTC)
	f.r.allow(1, now)
	f.r.allow(2, now.Add(time.Second))
	f.r.allow(3, now.Add(2*time.Second))
	if got := f.r.Limiters(); got != 2 {
		t.Fatalf("limiters=%d want 2", got)
	}
	f.r.now = func() time.Time { return now.Add(time.Hour) }
	f.r.evictIdle()
	if got := f.r.Limiters(); got != 0 {
		t.Fatalf("idle limiters not evicted: %d", got)
	}
}

func TestRunAnswersQueuedCallbacks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update)
	done := make(chan error, 1)
	go func() { done <- f.r.Run(ctx, updates) }()

	cb := press("cb1", callback.SlotCancel{SlotID: 5}.Encode())
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &cb}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if got, ok := f.out.answer("cb1"); ok {
			if got != "Cancelled" {
				t.Fatalf("answer=%q", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("callback never answered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestManualMoreEditsPickerInPlace(t *testing.T) {
	t.Parallel()
	data := callback.ManualMore{Ref: callback.StageRef{PlanID: 1, StageID: 2, OptionID: 3}}.Encode()

	f := newFixture(t, Config{})
	cb := press("cb1", data)
	cb.MessageID = 77
	f.r.HandleCallback(context.Background(), cb)
	want := kit.MessageRef{ChatID: chat, MessageID: 77}
	if len(f.out.edited) != 1 || f.out.edited[0] != want || len(f.out.sent) != 0 {
		t.Fatalf("edited=%v sent=%v", f.out.edited, f.out.sent)
	}

	f = newFixture(t, Config{})
	f.out.editErr = errors.New("message to edit not found")
	f.r.HandleCallback(context.Background(), cb)
	if len(f.out.sent) != 1 || f.out.sent[0] != "more" {
		t.Fatalf("failed edit not replaced by send: sent=%v", f.out.sent)
	}
}
