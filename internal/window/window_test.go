package window

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"agroplan/internal/domain"
)

var t0 = time.Date(2026, 5, 10, 6, 0, 0, 0, time.UTC)

// hourly builds n hourly samples starting at now; fn fills each by hour offset.
func hourly(now time.Time, n int, fn func(k int) domain.ForecastEntry) []domain.ForecastEntry {
	out := make([]domain.ForecastEntry, 0, n)
	for k := range n {
		e := fn(k)
		e.Time = now.Add(time.Duration(k) * time.Hour)
		out = append(out, e)
	}
	return out
}

func nice(int) domain.ForecastEntry { return domain.ForecastEntry{TempC: 18, WindMS: 3} }

func hasLine(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func TestFindWindowDryWindowFourHoursOut(t *testing.T) {
	t.Parallel()
	fc := hourly(t0, 80, func(k int) domain.ForecastEntry {
		if k >= 2 && k <= 10 {
			return domain.ForecastEntry{TempC: float64(15 + k), WindMS: 3}
		}
		return domain.ForecastEntry{TempC: 15, WindMS: 3, PrecipMM: 1.5}
	})

	got, ok := FindWindow(fc, 2, 72, DefaultRules(), t0, nil, DefaultOptions())
	if !ok {
		t.Fatalf("expected a window")
	}
	if want := t0.Add(4 * time.Hour); !got.Start.Equal(want) {
		t.Fatalf("start=%v want %v", got.Start, want)
	}
	if got.End.Sub(got.Start) != 90*time.Minute {
		t.Fatalf("duration=%v", got.End.Sub(got.Start))
	}
	if got.Tier != TierStrict {
		t.Fatalf("tier=%v want strict", got.Tier)
	}
	for _, want := range []string{"No rain above 0.2 mm", "Temperature 19–20 °C", "Max wind 3.0 m/s", "Window Sun 10 May 10:00–11:30"} {
		if !hasLine(got.Reason, want) {
			t.Fatalf("reason %q missing %q", got.Reason, want)
		}
	}
	if hasLine(got.Reason, noteSofter) || hasLine(got.Reason, noteWeatherRelaxed) {
		t.Fatalf("strict tier must not carry relaxation notes: %q", got.Reason)
	}
}

func TestFindWindowKeepsBestOfHorizon(t *testing.T) {
	t.Parallel()
	// Early hours are feasible but hot and windy; from hour 6 conditions are ideal.
	fc := hourly(t0, 80, func(k int) domain.ForecastEntry {
		if k < 6 {
			return domain.ForecastEntry{TempC: 27, WindMS: 6}
		}
		return domain.ForecastEntry{TempC: 18, WindMS: 3}
	})

	early, ok := FindWindowTier(fc, 2, 2, DefaultRules(), t0, nil, DefaultOptions())
	if !ok || !early.Start.Equal(t0.Add(2*time.Hour)) {
		t.Fatalf("earliest candidate should be feasible, got %v ok=%v", early.Start, ok)
	}

	got, ok := FindWindow(fc, 2, 72, DefaultRules(), t0, nil, DefaultOptions())
	if !ok {
		t.Fatalf("expected a window")
	}
	if want := t0.Add(6 * time.Hour); !got.Start.Equal(want) {
		t.Fatalf("start=%v want %v (score %.2f vs earliest %.2f)", got.Start, want, got.Score, early.Score)
	}
	if got.Score <= early.Score {
		t.Fatalf("winner score %.2f must beat earliest feasible %.2f", got.Score, early.Score)
	}
	if got.Score != 190 {
		t.Fatalf("score=%.2f want 190", got.Score)
	}
}

func TestFindWindowSofterTier(t *testing.T) {
	t.Parallel()
	// Only six dry hours: too short for 2h before + 90m + 4h after.
	fc := hourly(t0, 80, func(k int) domain.ForecastEntry {
		if k >= 3 && k <= 8 {
			return nice(k)
		}
		return domain.ForecastEntry{TempC: 18, WindMS: 3, PrecipMM: 0.8}
	})

	if _, ok := FindWindowTier(fc, 2, 72, DefaultRules(), t0, nil, DefaultOptions()); ok {
		t.Fatalf("strict tier should fail")
	}
	got, ok := FindWindow(fc, 2, 72, DefaultRules(), t0, nil, DefaultOptions())
	if !ok {
		t.Fatalf("softer tier should succeed")
	}
	if got.Tier != TierSofter || !got.Start.Equal(t0.Add(4*time.Hour)) {
		t.Fatalf("got tier=%v start=%v", got.Tier, got.Start)
	}
	if got.Reason[len(got.Reason)-1] != noteSofter {
		t.Fatalf("missing softer note: %q", got.Reason)
	}
	if !hasLine(got.Reason, "from 1h before to 3h after") {
		t.Fatalf("reason should describe the softened buffers: %q", got.Reason)
	}
}

func TestFindWindowWeatherRelaxedTier(t *testing.T) {
	t.Parallel()
	fc := hourly(t0, 80, func(int) domain.ForecastEntry { return domain.ForecastEntry{TempC: 35, WindMS: 9} })

	for _, r := range []Rules{DefaultRules(), DefaultRules().softer()} {
		if _, ok := FindWindowTier(fc, 2, 72, r, t0, nil, DefaultOptions()); ok {
			t.Fatalf("hot windy forecast should fail with bounds")
		}
	}
	got, ok := FindWindow(fc, 2, 72, DefaultRules(), t0, nil, DefaultOptions())
	if !ok {
		t.Fatalf("weather-relaxed tier should succeed")
	}
	if got.Tier != TierWeatherRelaxed {
		t.Fatalf("tier=%v", got.Tier)
	}
	if !hasLine(got.Reason, noteWeatherRelaxed) || !hasLine(got.Reason, "Temperature 35–35 °C") {
		t.Fatalf("unexpected reason %q", got.Reason)
	}
}

func TestFindWindowLadderRecoversFromLongDuration(t *testing.T) {
	t.Parallel()
	// Rain every third hour: each three-hour window is wet, a 90 minute one fits.
	fc := hourly(t0, 80, func(k int) domain.ForecastEntry {
		if k%3 == 0 {
			return domain.ForecastEntry{TempC: 18, WindMS: 3, PrecipMM: 1}
		}
		return nice(k)
	})
	r := DefaultRules()
	r.DurationMin = 180
	r.NoRainHoursBefore, r.NoRainHoursAfter, r.BufferMin = 0, 0, 0
	r.DaylightOnly = false

	if _, ok := FindWindowTier(fc, 2, 72, r, t0, nil, DefaultOptions()); ok {
		t.Fatalf("strict tier should find nothing")
	}
	got, ok := FindWindow(fc, 2, 72, r, t0, nil, DefaultOptions())
	if !ok {
		t.Fatalf("relaxation ladder should find a window")
	}
	if got.Tier == TierStrict || !hasLine(got.Reason, noteSofter) {
		t.Fatalf("tier=%v reason=%q", got.Tier, got.Reason)
	}
	if !got.Start.Equal(t0.Add(4*time.Hour)) || got.End.Sub(got.Start) != 90*time.Minute {
		t.Fatalf("got %v–%v", got.Start, got.End)
	}
}

func TestFindWindowNone(t *testing.T) {
	t.Parallel()
	rainy := hourly(t0, 80, func(int) domain.ForecastEntry { return domain.ForecastEntry{TempC: 18, WindMS: 3, PrecipMM: 2} })
	if _, ok := FindWindow(rainy, 2, 72, DefaultRules(), t0, nil, DefaultOptions()); ok {
		t.Fatalf("rain everywhere must yield no window")
	}
	if _, ok := FindWindow(nil, 2, 72, DefaultRules(), t0, nil, DefaultOptions()); ok {
		t.Fatalf("empty forecast must yield no window")
	}
	// Horizon shorter than the lead time.
	if _, ok := FindWindow(hourly(t0, 80, nice), 10, 5, DefaultRules(), t0, nil, DefaultOptions()); ok {
		t.Fatalf("empty range must yield no window")
	}
}

func TestFindWindowDaylightInLocalTime(t *testing.T) {
	t.Parallel()
	kyiv := time.FixedZone("UTC+3", 3*3600)
	now := time.Date(2026, 5, 10, 17, 0, 0, 0, time.UTC) // 20:00 local
	opt := Options{Location: kyiv, DaylightStart: 6, DaylightEnd: 21}

	got, ok := FindWindow(hourly(now, 40, nice), 0, 24, DefaultRules(), now, nil, opt)
	if !ok {
		t.Fatalf("expected a window")
	}
	if h := got.Start.In(kyiv).Hour(); h != 6 {
		t.Fatalf("local start hour=%d want 6", h)
	}
	if !strings.HasSuffix(got.Reason[0], "06:00–07:30") {
		t.Fatalf("window line should be local: %q", got.Reason[0])
	}

	r := DefaultRules()
	r.DaylightOnly = false
	got, ok = FindWindow(hourly(now, 40, nice), 2, 24, r, now, nil, opt)
	if !ok || !got.Start.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("without daylight rule the earliest slot should win, got %v", got.Start)
	}
	if hasLine(got.Reason, "Daylight") {
		t.Fatalf("daylight line without daylight rule: %q", got.Reason)
	}
}

func TestFindWindowPreferenceBonus(t *testing.T) {
	t.Parallel()
	fc := hourly(t0, 80, nice)

	plain, _ := FindWindow(fc, 2, 72, DefaultRules(), t0, nil, DefaultOptions())
	if !plain.Start.Equal(t0.Add(2 * time.Hour)) {
		t.Fatalf("without preferences earliest wins, got %v", plain.Start)
	}

	got, _ := FindWindow(fc, 2, 72, DefaultRules(), t0, Preferences{14: 10, 9: 2}, DefaultOptions())
	if got.Start.Hour() != 14 || got.Start.Day() != t0.Day() {
		t.Fatalf("preferred hour should win, got %v", got.Start)
	}
	if got.Score != 220 {
		t.Fatalf("score=%.2f want 220", got.Score)
	}
}

func TestMergeRules(t *testing.T) {
	t.Parallel()
	base := DefaultRules()

	got, err := Merge(base, json.RawMessage(`{"temp_max_c": 32, "wind_min_m_s": null, "duration_min": 60}`))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got.TempMaxC == nil || *got.TempMaxC != 32 || got.WindMinMS != nil || got.DurationMin != 60 {
		t.Fatalf("override not applied: %+v", got)
	}
	if got.NoRainHoursBefore != 2 || *got.TempMinC != 5 {
		t.Fatalf("defaults lost: %+v", got)
	}
	if *base.TempMaxC != 28 || base.WindMinMS == nil {
		t.Fatalf("base mutated: %+v", base)
	}

	for _, bad := range []string{`{"duration_min": 0}`, `{"temp_min_c": 30}`, `{oops`} {
		if _, err := Merge(base, json.RawMessage(bad)); err == nil {
			t.Fatalf("Merge(%s) expected error", bad)
		}
	}
	if same, err := Merge(base, nil); err != nil || same.DurationMin != base.DurationMin {
		t.Fatalf("empty override should return base")
	}
}

func TestSofterClamps(t *testing.T) {
	t.Parallel()
	r := DefaultRules()
	r.DurationMin, r.BufferMin, r.NoRainHoursBefore, r.NoRainHoursAfter = 180, 5, 0, 6
	s := r.softer()
	if s.DurationMin != 90 || s.BufferMin != 15 || s.NoRainHoursBefore != 0 || s.NoRainHoursAfter != 3 {
		t.Fatalf("unexpected softer rules %+v", s)
	}
	w := r.weatherRelaxed()
	if w.TempMinC != nil || w.WindMaxMS != nil || r.TempMinC == nil {
		t.Fatalf("weather relaxed must drop bounds without touching the source")
	}
}
