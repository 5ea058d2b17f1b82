package cronspec

import (
	"testing"
	"time"

	logx "agroplan/pkg/logx"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     Kind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: KindCron, source: "cron"},
		{name: "seconds cron", raw: "0 30 * * * *", kind: KindCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron"},
		{name: "duration", raw: "10m", kind: KindInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", duration: 45 * time.Second},
		{name: "every hhmm", raw: "every:02:30", kind: KindInterval, source: "hhmm", duration: 150 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got kind=%v source=%s, want %v %s", got.Kind, got.Source, tt.kind, tt.source)
			}
			if tt.kind == KindInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if _, err := got.Schedule(); err != nil {
				t.Fatalf("Schedule: %v", err)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:75", "-5m", "cron:", "61 * * * *"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q) expected error", raw)
		}
	}
}

func TestAddRegistersEntry(t *testing.T) {
	t.Parallel()
	c := New(time.UTC, logx.Nop())
	id, err := Add(c, "@hourly", func() {})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if e := c.Entry(id); e.ID != id {
		t.Fatalf("entry not registered")
	}
	if _, err := Add(c, "bogus", func() {}); err == nil {
		t.Fatalf("expected error for bad spec")
	}
}
