package autoplan

import (
	"agroplan/internal/callback"
	"agroplan/internal/domain"
	"agroplan/pkg/tgui"
)

func nudgeMessage(o domain.Object) tgui.Message {
	b := tgui.New().Title("📍", "Location not set")
	if o.Name != "" {
		b.Line(o.Name + " has no coordinates, so the forecast uses a default area.")
	} else {
		b.Line("The forecast uses a default area.")
	}
	b.Line("Set the field location for a more accurate window.")
	return b.Build()
}

func searchingMessage(st domain.Stage) tgui.Message {
	return tgui.New().Title("🔎", "Looking for a spray window").Line(st.Title).Build()
}

func noWindowMessage(st domain.Stage, ref callback.StageRef) tgui.Message {
	kb := tgui.NewInline().
		Row(tgui.Button("🗓 Pick a time", callback.ManualOpen{Ref: ref}.Encode())).
		Row(tgui.Button("🔄 Search again", callback.AutoplanStart{Ref: ref}.Encode()))
	b := tgui.New().Title("🌧", "No suitable window")
	if st.Title != "" {
		b.Line(st.Title)
	}
	b.Line("The forecast has no spray window that fits. You can pick a time yourself.")
	return b.Inline(kb).Build()
}

func failedMessage(st domain.Stage, ref callback.StageRef) tgui.Message {
	kb := tgui.NewInline().Row(tgui.Button("🔄 Try again", callback.AutoplanStart{Ref: ref}.Encode()))
	b := tgui.New().Title("⚠️", "Window search failed")
	if st.Title != "" {
		b.Line(st.Title)
	}
	b.Line("Something went wrong while checking the forecast. Please try again.")
	return b.Inline(kb).Build()
}
