package reminder

import (
	"time"

	"agroplan/internal/domain"
	"agroplan/pkg/tgui"
)

// Render builds the user-facing reminder text in loc.
func Render(r domain.Reminder, loc *time.Location) tgui.Message {
	if loc == nil {
		loc = time.UTC
	}
	due := r.Payload.DueAt.In(loc).Format("Mon 02 Jan 15:04")
	b := tgui.New()
	switch r.Payload.EventType {
	case domain.EventPHI:
		b.Title("🧺", "Pre-harvest interval ends")
		if r.Payload.Title != "" {
			b.Line(r.Payload.Title)
		}
		b.KV("Safe to harvest from", due)
	default:
		b.Title("⏰", "Treatment reminder")
		if r.Payload.Title != "" {
			b.Line(r.Payload.Title)
		}
		b.KV("Planned for", due)
		b.Line("Check the forecast before heading out.")
	}
	return b.Build()
}
