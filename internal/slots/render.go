package slots

import (
	"fmt"
	"time"

	"agroplan/internal/callback"
	"agroplan/internal/domain"
	"agroplan/pkg/tgui"
)

const dayFmt = "Mon 02 Jan 15:04"

// FormatRange renders "Mon 02 Jan 10:00–11:30" in loc.
func FormatRange(start, end time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return start.In(loc).Format(dayFmt) + "–" + end.In(loc).Format("15:04")
}

// Card is the proposal message with accept, cancel and reschedule buttons.
func Card(slot domain.Slot, st domain.Stage, opt domain.StageOption, loc *time.Location) tgui.Message {
	b := tgui.New().Title("🌤", "Spray window found")
	if t := reminderTitle(st, opt); t != "" {
		b.Line(t)
	}
	b.KV("When", FormatRange(slot.SlotStart, slot.SlotEnd, loc))
	b.Bullets(slot.Reason...)
	kb := tgui.NewInline().
		Row(tgui.Button("✅ Accept", callback.SlotAccept{SlotID: slot.ID}.Encode())).
		Row(
			tgui.Button("🔄 Another time", callback.SlotReschedule{SlotID: slot.ID}.Encode()),
			tgui.Button("✖ Cancel", callback.SlotCancel{SlotID: slot.ID}.Encode()),
		)
	return b.Inline(kb).Build()
}

// Scheduled confirms an accepted slot.
func Scheduled(slot domain.Slot, st domain.Stage, opt domain.StageOption, dropped, limit int, loc *time.Location) tgui.Message {
	b := tgui.New().Title("✅", "Treatment scheduled")
	if t := reminderTitle(st, opt); t != "" {
		b.Line(t)
	}
	b.KV("When", FormatRange(slot.SlotStart, slot.SlotEnd, loc))
	if st.PhiDays > 0 {
		b.KV("Safe to harvest from", slot.SlotStart.Add(time.Duration(st.PhiDays)*24*time.Hour).In(orUTC(loc)).Format(dayFmt))
	}
	if dropped > 0 {
		b.Line("")
		b.Line(fmt.Sprintf("Free plan keeps %d reminders per treatment; %d more were skipped.", limit, dropped))
	}
	return b.Build()
}

func Cancelled(st domain.Stage) tgui.Message {
	b := tgui.New().Title("✖", "Slot cancelled")
	if st.Title != "" {
		b.Line(st.Title + " stays unscheduled.")
	}
	return b.Build()
}

func Searching(st domain.Stage) tgui.Message {
	return tgui.New().Title("🔄", "Looking for another window").Line(st.Title).Build()
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
