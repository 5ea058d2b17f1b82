// Package funnel records user-flow milestones. Recording is best-effort:
// errors are logged and never returned to the caller's flow.
package funnel

import (
	"context"
	"time"

	"agroplan/internal/domain"
	"agroplan/internal/eventbus"
	logx "agroplan/pkg/logx"
)

const (
	RunStarted         = "autoplan_started"
	SlotProposed       = "autoplan_slot_proposed"
	NoWindow           = "autoplan_no_window"
	RunFailed          = "autoplan_failed"
	SlotAccepted       = "slot_accepted"
	SlotCancelled      = "slot_cancelled"
	SlotRescheduled    = "slot_rescheduled"
	ManualScheduled    = "manual_scheduled"
	RemindersTruncated = "reminders_truncated"
	LocationNudged     = "location_nudge_sent"
)

type sink interface {
	LogFunnelEvent(ctx context.Context, e domain.FunnelEvent) error
}

type Recorder struct {
	store sink
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(store sink, bus eventbus.Bus, log logx.Logger) *Recorder {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, log: log.With(logx.String("comp", "funnel")), now: time.Now}
}

// Record persists and publishes one event. A nil Recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, userID, planID int64, name string, data map[string]any) {
	if r == nil {
		return
	}
	e := domain.FunnelEvent{UserID: userID, PlanID: planID, Name: name, At: r.now().UTC(), Data: data}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeFunnel, Time: e.At, Data: e})
	if r.store == nil {
		return
	}
	if err := r.store.LogFunnelEvent(ctx, e); err != nil {
		r.log.Warn("funnel event not stored", logx.String("event", name), logx.Int64("user_id", userID), logx.Err(err))
	}
}
