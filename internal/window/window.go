// Package window picks the best weather window for a treatment.
//
// FindWindow is pure: it scans every forecast sample in the horizon as a
// candidate start, keeps the highest scoring feasible one, and walks a
// three-step relaxation ladder (strict, softer buffers, relaxed weather)
// until a tier yields a window.
package window

import (
	"fmt"
	"math"
	"time"

	"agroplan/internal/domain"
)

type Tier int

const (
	TierStrict Tier = iota
	TierSofter
	TierWeatherRelaxed
)

func (t Tier) String() string {
	switch t {
	case TierStrict:
		return "strict"
	case TierSofter:
		return "softer"
	case TierWeatherRelaxed:
		return "weather_relaxed"
	default:
		return "unknown"
	}
}

const (
	noteSofter         = "Rain buffers and duration were shortened to find a window"
	noteWeatherRelaxed = "Temperature and wind limits were relaxed; check conditions on site"
)

// Preferences maps a local hour of day (0-23) to a learned weight.
type Preferences map[int]float64

// Options carry the fixed settings FindWindow needs besides the rules.
type Options struct {
	Location      *time.Location
	DaylightStart int // inclusive local hour
	DaylightEnd   int // exclusive local hour
}

func DefaultOptions() Options {
	return Options{Location: time.UTC, DaylightStart: 6, DaylightEnd: 21}
}

// Slot is a scored, feasible window.
type Slot struct {
	Start  time.Time
	End    time.Time
	Score  float64
	Reason []string
	Tier   Tier
}

// FindWindow returns the best window in [now+minHoursAhead, now+horizonHours],
// trying strict rules first, then softer, then weather-relaxed.
func FindWindow(forecast []domain.ForecastEntry, minHoursAhead, horizonHours int, rules Rules, now time.Time, prefs Preferences, opt Options) (Slot, bool) {
	tiers := []struct {
		tier  Tier
		rules Rules
		note  string
	}{
		{TierStrict, rules, ""},
		{TierSofter, rules.softer(), noteSofter},
		{TierWeatherRelaxed, rules.weatherRelaxed(), noteWeatherRelaxed},
	}
	for _, t := range tiers {
		s, ok := FindWindowTier(forecast, minHoursAhead, horizonHours, t.rules, now, prefs, opt)
		if !ok {
			continue
		}
		s.Tier = t.tier
		if t.note != "" {
			s.Reason = append(s.Reason, t.note)
		}
		return s, true
	}
	return Slot{}, false
}

// FindWindowTier evaluates a single rule set over the whole horizon and
// returns the maximum-scoring feasible candidate.
func FindWindowTier(forecast []domain.ForecastEntry, minHoursAhead, horizonHours int, rules Rules, now time.Time, prefs Preferences, opt Options) (Slot, bool) {
	if len(forecast) == 0 || rules.DurationMin <= 0 {
		return Slot{}, false
	}
	if opt.Location == nil {
		opt.Location = time.UTC
	}
	fc := series{entries: forecast, step: sampleStep(forecast)}
	startBoundary := now.Add(time.Duration(minHoursAhead) * time.Hour)
	endBoundary := now.Add(time.Duration(horizonHours) * time.Hour)
	duration := time.Duration(rules.DurationMin) * time.Minute
	maxPref := maxWeight(prefs)

	var best Slot
	found := false
	for _, e := range forecast {
		start := e.Time
		if start.Before(startBoundary) || start.After(endBoundary) {
			continue
		}
		c, ok := fc.evaluate(start, start.Add(duration), rules, opt)
		if !ok {
			continue
		}
		score := scoreOf(start.Sub(now).Hours(), c.avgWind, c.avgTemp)
		if maxPref > 0 {
			score += prefs[start.In(opt.Location).Hour()] / maxPref * 40
		}
		// Strictly greater keeps the earliest start among equal scores.
		if !found || score > best.Score {
			best = Slot{Start: start, End: start.Add(duration), Score: score, Reason: reasons(start, start.Add(duration), rules, c, opt)}
			found = true
		}
	}
	if found {
		best.Score = round2(best.Score)
	}
	return best, found
}

func scoreOf(hoursUntilStart, avgWind, avgTemp float64) float64 {
	return math.Max(0, 120-hoursUntilStart*5) +
		math.Max(0, 50-math.Abs(avgWind-3)*5) +
		math.Max(0, 50-math.Abs(avgTemp-18)*3)
}

func maxWeight(p Preferences) float64 {
	m := 0.0
	for _, w := range p {
		m = math.Max(m, w)
	}
	return m
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// core summarises the samples inside a candidate window.
type core struct {
	avgWind, avgTemp float64
	minTemp, maxTemp float64
	maxWind          float64
}

type series struct {
	entries []domain.ForecastEntry
	step    time.Duration
}

// sampleStep is the smallest positive spacing between samples, 1h if unknown.
func sampleStep(fc []domain.ForecastEntry) time.Duration {
	step := time.Duration(0)
	for i := 1; i < len(fc); i++ {
		d := fc[i].Time.Sub(fc[i-1].Time)
		if d > 0 && (step == 0 || d < step) {
			step = d
		}
	}
	if step == 0 {
		step = time.Hour
	}
	return step
}

// covers reports whether the forecast spans [a, b).
func (s series) covers(a, b time.Time) bool {
	first := s.entries[0].Time
	last := s.entries[len(s.entries)-1].Time.Add(s.step)
	return !a.Before(first) && !b.After(last)
}

// dry reports whether no sample in [a, b) exceeds the threshold.
func (s series) dry(a, b time.Time, threshold float64) bool {
	if !a.Before(b) {
		return true
	}
	if !s.covers(a, b) {
		return false
	}
	for _, e := range s.entries {
		if !e.Time.Before(a) && e.Time.Before(b) && e.PrecipMM > threshold {
			return false
		}
	}
	return true
}

func (s series) evaluate(start, end time.Time, r Rules, opt Options) (core, bool) {
	if r.DaylightOnly {
		h := start.In(opt.Location).Hour()
		if h < opt.DaylightStart || h >= opt.DaylightEnd {
			return core{}, false
		}
	}

	var c core
	n := 0
	for _, e := range s.entries {
		if e.Time.Before(start) || !e.Time.Before(end) {
			continue
		}
		if e.PrecipMM > r.RainThresholdMM {
			return core{}, false
		}
		if r.TempMinC != nil && e.TempC < *r.TempMinC || r.TempMaxC != nil && e.TempC > *r.TempMaxC {
			return core{}, false
		}
		if r.WindMinMS != nil && e.WindMS < *r.WindMinMS || r.WindMaxMS != nil && e.WindMS > *r.WindMaxMS {
			return core{}, false
		}
		if n == 0 {
			c.minTemp, c.maxTemp = e.TempC, e.TempC
		}
		c.minTemp = math.Min(c.minTemp, e.TempC)
		c.maxTemp = math.Max(c.maxTemp, e.TempC)
		c.maxWind = math.Max(c.maxWind, e.WindMS)
		c.avgWind += e.WindMS
		c.avgTemp += e.TempC
		n++
	}
	if n == 0 {
		return core{}, false
	}
	c.avgWind /= float64(n)
	c.avgTemp /= float64(n)

	buffer := time.Duration(r.BufferMin) * time.Minute
	before := time.Duration(r.NoRainHoursBefore) * time.Hour
	after := time.Duration(r.NoRainHoursAfter) * time.Hour
	if !s.dry(start.Add(-buffer), end.Add(buffer), r.RainThresholdMM) ||
		!s.dry(start.Add(-before), start, r.RainThresholdMM) ||
		!s.dry(end, end.Add(after), r.RainThresholdMM) {
		return core{}, false
	}
	return c, true
}

func reasons(start, end time.Time, r Rules, c core, opt Options) []string {
	ls, le := start.In(opt.Location), end.In(opt.Location)
	out := []string{
		fmt.Sprintf("Window %s–%s", ls.Format("Mon 02 Jan 15:04"), le.Format("15:04")),
		fmt.Sprintf("No rain above %.1f mm from %dh before to %dh after", r.RainThresholdMM, r.NoRainHoursBefore, r.NoRainHoursAfter),
		fmt.Sprintf("Temperature %.0f–%.0f °C", c.minTemp, c.maxTemp),
		fmt.Sprintf("Max wind %.1f m/s", c.maxWind),
	}
	if r.DaylightOnly {
		out = append(out, fmt.Sprintf("Daylight (%02d:00–%02d:00)", opt.DaylightStart, opt.DaylightEnd))
	}
	return out
}
