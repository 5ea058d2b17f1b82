package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agroplan/internal/jobs"
	"agroplan/internal/notifier"
	logx "agroplan/pkg/logx"
)

type fakeQueue struct{}

func (fakeQueue) Snapshot() jobs.Snapshot {
	return jobs.Snapshot{Running: true, Workers: 2, QueueCap: 256, Completed: 7}
}

type fakeReminders int

func (f fakeReminders) Armed() int { return int(f) }

type fakeDeliveries []notifier.HistoryItem

func (f fakeDeliveries) Snapshot() []notifier.HistoryItem {
	return append([]notifier.HistoryItem(nil), f...)
}

func get(t *testing.T, h http.Handler, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, http.MethodGet, path, auth)
}

func do(t *testing.T, h http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Sources{Queue: fakeQueue{}, Reminders: fakeReminders(3)}, logx.Nop())
	h := s.Handler(Config{})

	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz=%d", rec.Code)
	}

	rec := get(t, h, "/queue", "")
	var snap jobs.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("queue code=%d err=%v", rec.Code, err)
	}
	if !snap.Running || snap.Completed != 7 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	rec = get(t, h, "/reminders", "")
	var rem map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &rem); err != nil || rem["armed"] != 3 {
		t.Fatalf("reminders body=%s err=%v", rec.Body.String(), err)
	}

	if rec := get(t, h, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof should be off, got %d", rec.Code)
	}
	if rec := get(t, h, "/deliveries", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("deliveries without notifier=%d", rec.Code)
	}
}

func TestDeliveriesNewestFirst(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	src := fakeDeliveries{
		{At: t0, ChatID: 1, Text: "first"},
		{At: t0.Add(time.Minute), ChatID: 1, Text: "second"},
		{At: t0.Add(2 * time.Minute), ChatID: 2, Text: "third", Error: "blocked"},
	}
	h := New(Config{}, Sources{Deliveries: src}, logx.Nop()).Handler(Config{})

	var got []notifier.HistoryItem
	rec := get(t, h, "/deliveries?limit=2", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("body=%s err=%v", rec.Body.String(), err)
	}
	if len(got) != 2 || got[0].Text != "third" || got[0].Error != "blocked" || got[1].Text != "second" {
		t.Fatalf("got %+v", got)
	}
	if src[0].Text != "first" {
		t.Fatalf("source mutated: %+v", src)
	}
}

func TestSweepEndpoint(t *testing.T) {
	t.Parallel()
	calls := 0
	fail := false
	sweep := func(context.Context) error {
		calls++
		if fail {
			return errors.New("storage down")
		}
		return nil
	}
	h := New(Config{}, Sources{Sweep: sweep}, logx.Nop()).Handler(Config{})

	if rec := get(t, h, "/sweep", ""); rec.Code != http.StatusMethodNotAllowed || calls != 0 {
		t.Fatalf("GET /sweep code=%d calls=%d", rec.Code, calls)
	}
	if rec := do(t, h, http.MethodPost, "/sweep", ""); rec.Code != http.StatusOK || calls != 1 {
		t.Fatalf("POST /sweep code=%d calls=%d", rec.Code, calls)
	}
	fail = true
	if rec := do(t, h, http.MethodPost, "/sweep", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("failing sweep code=%d", rec.Code)
	}
}

func TestTokenGuardsSnapshots(t *testing.T) {
	t.Parallel()
	cfg := Config{Token: "s3cret", Pprof: true}
	h := New(cfg, Sources{Queue: fakeQueue{}}, logx.Nop()).Handler(cfg)

	cases := []struct {
		path, auth string
		want       int
	}{
		{"/healthz", "", http.StatusOK},
		{"/queue", "", http.StatusUnauthorized},
		{"/queue", "wrong", http.StatusUnauthorized},
		{"/queue", "s3cret", http.StatusOK},
		{"/queue?token=s3cret", "", http.StatusOK},
		{"/supervisors", "", http.StatusUnauthorized},
		{"/debug/pprof/", "s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		if rec := get(t, h, tc.path, tc.auth); rec.Code != tc.want {
			t.Fatalf("%s auth=%q: code=%d want %d", tc.path, tc.auth, rec.Code, tc.want)
		}
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	s.Start(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatalf("addr still set after stop")
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	if isLoopbackAddr("0.0.0.0:8089") || !isLoopbackAddr("127.0.0.1:8089") || !isLoopbackAddr("localhost:1") || !isLoopbackAddr("[::1]:80") {
		t.Fatalf("loopback detection wrong")
	}
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	if s.Addr() != "" {
		t.Fatalf("public bind without token started on %s", s.Addr())
	}
}
