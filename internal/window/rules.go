package window

import (
	"encoding/json"
	"fmt"
)

// Rules are the weather constraints a treatment window must satisfy.
// Nil bounds are unconstrained.
type Rules struct {
	NoRainHoursBefore int      `json:"no_rain_hours_before"`
	NoRainHoursAfter  int      `json:"no_rain_hours_after"`
	WindMinMS         *float64 `json:"wind_min_m_s"`
	WindMaxMS         *float64 `json:"wind_max_m_s"`
	TempMinC          *float64 `json:"temp_min_c"`
	TempMaxC          *float64 `json:"temp_max_c"`
	DaylightOnly      bool     `json:"daylight_only"`
	DurationMin       int      `json:"duration_min"`
	BufferMin         int      `json:"buffer_min"`
	RainThresholdMM   float64  `json:"rain_threshold_mm"`
}

func f64(v float64) *float64 { return &v }

// DefaultRules is the baseline for stages without an override.
func DefaultRules() Rules {
	return Rules{
		NoRainHoursBefore: 2,
		NoRainHoursAfter:  4,
		WindMinMS:         f64(0.5),
		WindMaxMS:         f64(6),
		TempMinC:          f64(5),
		TempMaxC:          f64(28),
		DaylightOnly:      true,
		DurationMin:       90,
		BufferMin:         30,
		RainThresholdMM:   0.2,
	}
}

// Merge applies a JSON override on top of base. Absent keys keep the base
// value; an explicit null disables a bound.
func Merge(base Rules, override json.RawMessage) (Rules, error) {
	if len(override) == 0 || string(override) == "null" {
		return base, nil
	}
	out := base.clone()
	if err := json.Unmarshal(override, &out); err != nil {
		return base, fmt.Errorf("stage rules: %w", err)
	}
	if err := out.Validate(); err != nil {
		return base, err
	}
	return out, nil
}

func (r Rules) Validate() error {
	switch {
	case r.DurationMin <= 0:
		return fmt.Errorf("duration_min must be > 0")
	case r.NoRainHoursBefore < 0 || r.NoRainHoursAfter < 0 || r.BufferMin < 0:
		return fmt.Errorf("rain buffers must be >= 0")
	case r.RainThresholdMM < 0:
		return fmt.Errorf("rain_threshold_mm must be >= 0")
	case r.TempMinC != nil && r.TempMaxC != nil && *r.TempMinC > *r.TempMaxC:
		return fmt.Errorf("temp_min_c > temp_max_c")
	case r.WindMinMS != nil && r.WindMaxMS != nil && *r.WindMinMS > *r.WindMaxMS:
		return fmt.Errorf("wind_min_m_s > wind_max_m_s")
	}
	return nil
}

func (r Rules) clone() Rules {
	cp := r
	for _, p := range []**float64{&cp.WindMinMS, &cp.WindMaxMS, &cp.TempMinC, &cp.TempMaxC} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return cp
}

// softer shortens the rain buffers and clamps duration and buffer.
func (r Rules) softer() Rules {
	cp := r.clone()
	cp.NoRainHoursBefore = min(cp.NoRainHoursBefore, 1)
	cp.NoRainHoursAfter = min(cp.NoRainHoursAfter, 3)
	cp.DurationMin = clamp(cp.DurationMin, 60, 90)
	cp.BufferMin = clamp(cp.BufferMin, 15, 30)
	return cp
}

// weatherRelaxed is softer with temperature and wind bounds dropped.
func (r Rules) weatherRelaxed() Rules {
	cp := r.softer()
	cp.TempMinC, cp.TempMaxC, cp.WindMinMS, cp.WindMaxMS = nil, nil, nil, nil
	return cp
}

func clamp(v, lo, hi int) int { return max(lo, min(v, hi)) }
