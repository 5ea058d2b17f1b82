package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agroplan/internal/eventbus"
	logx "agroplan/pkg/logx"
)

func startQueue(t *testing.T, cfg Config, bus eventbus.Bus) *Queue {
	t.Helper()
	q := New(cfg, logx.Nop(), bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Stop(ctx)
	})
	return q
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastRetry(attempts int) Options {
	return Options{Attempts: attempts, Backoff: Backoff{Kind: BackoffExponential, Delay: time.Millisecond}}
}

func TestEnqueueDeliversRunID(t *testing.T) {
	t.Parallel()
	q := startQueue(t, Config{}, nil)
	got := make(chan int64, 1)
	q.Register("autoplan", func(_ context.Context, runID int64) error {
		got <- runID
		return nil
	})
	q.Start(context.Background())

	id, err := q.Enqueue(context.Background(), "autoplan", 11, fastRetry(3))
	if err != nil || id == "" {
		t.Fatalf("Enqueue id=%q err=%v", id, err)
	}
	select {
	case v := <-got:
		if v != 11 {
			t.Fatalf("run id=%d want 11", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("handler not called")
	}
	waitFor(t, "history", func() bool { return len(q.Snapshot().History) == 1 })
	h := q.Snapshot().History[0]
	if h.ID != id || h.Attempts != 1 || h.Error != "" {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestRetriesUntilAttemptsExhausted(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	q := startQueue(t, Config{Workers: 1}, bus)
	var calls atomic.Int32
	q.Register("flaky", func(context.Context, int64) error {
		calls.Add(1)
		return errors.New("upstream down")
	})
	q.Start(context.Background())

	if _, err := q.Enqueue(context.Background(), "flaky", 1, fastRetry(3)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "failure", func() bool { return q.Snapshot().Failed == 1 })
	if calls.Load() != 3 {
		t.Fatalf("calls=%d want 3", calls.Load())
	}
	snap := q.Snapshot()
	if snap.Retried != 2 || snap.History[0].Attempts != 3 || snap.History[0].Error != "upstream down" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	var failed bool
	for !failed {
		select {
		case ev := <-events:
			if je, ok := ev.Data.(JobEvent); ok && je.Phase == "failed" {
				failed = je.Attempts == 3
			}
		case <-time.After(time.Second):
			t.Fatalf("no failed event on bus")
		}
	}
}

func TestSucceedsOnLaterAttempt(t *testing.T) {
	t.Parallel()
	q := startQueue(t, Config{Workers: 1}, nil)
	var calls atomic.Int32
	q.Register("flaky", func(context.Context, int64) error {
		if calls.Add(1) < 2 {
			return errors.New("once")
		}
		return nil
	})
	q.Start(context.Background())
	if _, err := q.Enqueue(context.Background(), "flaky", 1, fastRetry(3)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "completion", func() bool { return q.Snapshot().Completed == 1 })
	if calls.Load() != 2 || q.Snapshot().Failed != 0 {
		t.Fatalf("calls=%d snapshot=%+v", calls.Load(), q.Snapshot())
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	q := startQueue(t, Config{Workers: 1}, nil)
	var calls atomic.Int32
	base := errors.New("run missing")
	q.Register("autoplan", func(context.Context, int64) error {
		calls.Add(1)
		return NoRetry(base)
	})
	q.Start(context.Background())
	if _, err := q.Enqueue(context.Background(), "autoplan", 1, fastRetry(3)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "failure", func() bool { return q.Snapshot().Failed == 1 })
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
	if got := q.Snapshot().History[0].Error; got != "run missing" {
		t.Fatalf("history error=%q", got)
	}
	if !IsNoRetry(NoRetry(base)) || IsNoRetry(base) || NoRetry(nil) != nil || !IsNoRetry(fmt.Errorf("load: %w", NoRetry(base))) {
		t.Fatalf("NoRetry helpers misbehave")
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	q := startQueue(t, Config{Workers: 1}, nil)
	q.Register("boom", func(context.Context, int64) error { panic("bad run") })
	q.Start(context.Background())
	if _, err := q.Enqueue(context.Background(), "boom", 1, Options{Attempts: 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "failure", func() bool { return q.Snapshot().Failed == 1 })

	// The worker survives the panic.
	done := make(chan struct{})
	q.Register("ok", func(context.Context, int64) error { close(done); return nil })
	if _, err := q.Enqueue(context.Background(), "ok", 2, Options{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("worker did not survive panic")
	}
}

func TestRemoveOnComplete(t *testing.T) {
	t.Parallel()
	q := startQueue(t, Config{}, nil)
	var wg sync.WaitGroup
	wg.Add(2)
	q.Register("autoplan", func(context.Context, int64) error { wg.Done(); return nil })
	q.Start(context.Background())

	if _, err := q.Enqueue(context.Background(), "autoplan", 1, Options{RemoveOnComplete: true}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), "autoplan", 2, Options{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	wg.Wait()
	waitFor(t, "completion", func() bool { return q.Snapshot().Completed == 2 })
	h := q.Snapshot().History
	if len(h) != 1 || h[0].RunID != 2 {
		t.Fatalf("history=%+v want only run 2", h)
	}
}

func TestEnqueueErrors(t *testing.T) {
	t.Parallel()
	q := New(Config{}, logx.Nop(), nil)
	q.Register("autoplan", func(context.Context, int64) error { return nil })

	if _, err := q.Enqueue(context.Background(), "autoplan", 1, Options{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}
	q.Start(context.Background())
	if _, err := q.Enqueue(context.Background(), "nope", 1, Options{}); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown job: %v", err)
	}
	q.Stop(context.Background())
	if _, err := q.Enqueue(context.Background(), "autoplan", 1, Options{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop: %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	exp := Options{Backoff: Backoff{Kind: BackoffExponential, Delay: 5 * time.Second}}
	fixed := Options{Backoff: Backoff{Kind: BackoffFixed, Delay: 5 * time.Second}}
	cases := []struct {
		name    string
		opt     Options
		attempt int
		max     time.Duration
		want    time.Duration
	}{
		{"first retry", exp, 1, time.Minute, 5 * time.Second},
		{"second retry", exp, 2, time.Minute, 10 * time.Second},
		{"third retry", exp, 3, time.Minute, 20 * time.Second},
		{"capped", exp, 6, time.Minute, time.Minute},
		{"fixed", fixed, 3, time.Minute, 5 * time.Second},
		{"zero delay", Options{}, 2, time.Minute, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := backoffDelay(tc.opt, tc.attempt, tc.max, nil); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}
