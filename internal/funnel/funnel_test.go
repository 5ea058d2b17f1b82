package funnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"agroplan/internal/domain"
	"agroplan/internal/eventbus"
	logx "agroplan/pkg/logx"
)

type memSink struct {
	events []domain.FunnelEvent
	err    error
}

func (m *memSink) LogFunnelEvent(_ context.Context, e domain.FunnelEvent) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func TestRecordStoresAndPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	sink := &memSink{}
	r := New(sink, bus, logx.Nop())
	r.now = func() time.Time { return time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC) }

	r.Record(context.Background(), 1, 2, SlotAccepted, map[string]any{"slot_id": int64(5)})

	if len(sink.events) != 1 || sink.events[0].Name != SlotAccepted || sink.events[0].PlanID != 2 {
		t.Fatalf("stored=%+v", sink.events)
	}
	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypeFunnel {
			t.Fatalf("type=%s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("nothing published")
	}
}

func TestRecordSwallowsErrors(t *testing.T) {
	t.Parallel()
	r := New(&memSink{err: errors.New("db locked")}, nil, logx.Nop())
	r.Record(context.Background(), 1, 2, NoWindow, nil)

	var nilRec *Recorder
	nilRec.Record(context.Background(), 1, 2, NoWindow, nil)
}
