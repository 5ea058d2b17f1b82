package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "agroplan/pkg/logx"
)

func (q *Queue) worker(ctx context.Context, stopCh <-chan struct{}, ch <-chan queued, idx int) {
	// Per-worker RNG for jitter.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-ch:
			atomic.AddInt32(&q.inFlight, 1)
			q.exec(ctx, stopCh, j, rng)
			atomic.AddInt32(&q.inFlight, -1)
		}
	}
}

func (q *Queue) exec(ctx context.Context, stopCh <-chan struct{}, j queued, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(j.enqueuedAt), 0)

	q.mu.Lock()
	cfg := q.cfg
	q.mu.Unlock()
	h := q.handler(j.name)
	if h == nil {
		q.log.Error("job handler missing", logx.String("job", j.name), logx.String("id", j.id))
		return
	}

	timeout := j.opt.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	log := q.log.With(logx.String("job", j.name), logx.String("id", j.id), logx.Int64("run_id", j.runID))
	q.publish(j, "started", 0, nil)

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= j.opt.Attempts; attempt++ {
		attempts = attempt
		err = runAttempt(ctx, timeout, h, j.runID, log)
		if err == nil {
			break
		}
		var nr permanent
		if errors.As(err, &nr) {
			err = nr.error
			break
		}
		if attempt >= j.opt.Attempts {
			break
		}

		atomic.AddUint64(&q.retried, 1)
		delay := backoffDelay(j.opt, attempt, cfg.MaxDelay, rng)
		log.Debug("job retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if delay <= 0 {
			continue
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: j.id, Name: j.name, RunID: j.runID, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		atomic.AddUint64(&q.failed, 1)
		item.Error = err.Error()
		log.Warn("job failed", logx.Err(err), logx.Int("attempts", attempts), logx.Duration("dur", dur))
		q.publish(j, "failed", attempts, err)
		q.appendHistory(item)
		return
	}

	atomic.AddUint64(&q.completed, 1)
	log.Debug("job completed", logx.Int("attempts", attempts), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	q.publish(j, "completed", attempts, nil)
	if !j.opt.RemoveOnComplete {
		q.appendHistory(item)
	}
}

// runAttempt converts a handler panic into an error so one bad run cannot kill a worker.
func runAttempt(ctx context.Context, timeout time.Duration, h Handler, runID int64, log logx.Logger) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return h(runCtx, runID)
}

// backoffDelay is the wait after the given failed attempt (1-based).
// Exponential: delay * 2^(attempt-1). Fixed: delay.
func backoffDelay(opt Options, attempt int, maxD time.Duration, rng *rand.Rand) time.Duration {
	d := opt.Backoff.Delay
	if d <= 0 {
		return 0
	}
	if opt.Backoff.Kind == BackoffExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxD {
				d = maxD
				break
			}
		}
	}
	if opt.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), maxD)
}
