package slots

import (
	"slices"
	"sort"
	"strings"
	"time"

	"agroplan/internal/domain"
)

// BuildEvents returns the treatment event for slot and, when the stage has a
// pre-harvest interval, the PHI event phi_days after it.
func BuildEvents(slot domain.Slot, st domain.Stage) []domain.Event {
	source := domain.SourceManual
	if slot.AutoplanRunID != nil {
		source = domain.SourceAutoplan
	}
	end := slot.SlotEnd
	out := []domain.Event{{
		UserID:  slot.UserID,
		PlanID:  slot.PlanID,
		StageID: slot.StageID,
		Type:    domain.EventTreatment,
		DueAt:   slot.SlotStart,
		SlotEnd: &end,
		Status:  domain.EventScheduled,
		Reason:  strings.Join(slot.Reason, "; "),
		Source:  source,
	}}
	if st.PhiDays > 0 {
		out = append(out, domain.Event{
			UserID:  slot.UserID,
			PlanID:  slot.PlanID,
			StageID: slot.StageID,
			Type:    domain.EventPHI,
			DueAt:   slot.SlotStart.Add(time.Duration(st.PhiDays) * 24 * time.Hour),
			Status:  domain.EventScheduled,
			Source:  source,
		})
	}
	return out
}

// BuildReminders derives reminders from stored events. A treatment event gets
// one reminder per offset before due_at (a single offset by default); an
// offset that has already passed fires at due_at instead, and offsets that
// land on the same instant collapse into one. PHI events get one reminder at
// due_at. Events due at or before now get none. The result is ordered by FireAt.
func BuildReminders(evs []domain.Event, userID int64, title string, offsets []time.Duration, now time.Time) []domain.Reminder {
	var out []domain.Reminder
	add := func(e domain.Event, at time.Time) {
		out = append(out, domain.Reminder{
			UserID:  userID,
			EventID: e.ID,
			FireAt:  at,
			Channel: "telegram",
			Status:  domain.ReminderPending,
			Payload: domain.ReminderPayload{EventType: e.Type, Title: title, DueAt: e.DueAt},
		})
	}
	for _, e := range evs {
		if !e.DueAt.After(now) {
			continue
		}
		switch e.Type {
		case domain.EventTreatment:
			var seen []time.Time
			for _, off := range offsets {
				at := e.DueAt.Add(-off)
				if !at.After(now) {
					at = e.DueAt
				}
				if slices.ContainsFunc(seen, at.Equal) {
					continue
				}
				seen = append(seen, at)
				add(e, at)
			}
			if len(offsets) == 0 {
				add(e, e.DueAt)
			}
		case domain.EventPHI:
			add(e, e.DueAt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

// CapReminders keeps the limit earliest reminders and reports how many were dropped.
func CapReminders(rs []domain.Reminder, limit int) ([]domain.Reminder, int) {
	if limit <= 0 || len(rs) <= limit {
		return rs, 0
	}
	sorted := append([]domain.Reminder(nil), rs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FireAt.Before(sorted[j].FireAt) })
	return sorted[:limit], len(rs) - limit
}

func reminderTitle(st domain.Stage, opt domain.StageOption) string {
	parts := make([]string, 0, 2)
	if t := strings.TrimSpace(st.Title); t != "" {
		parts = append(parts, t)
	}
	if p := strings.TrimSpace(opt.Product); p != "" {
		parts = append(parts, p)
	}
	return strings.Join(parts, ": ")
}
