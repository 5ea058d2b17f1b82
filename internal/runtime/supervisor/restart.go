package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "agroplan/pkg/logx"
)

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minWait     time.Duration
	maxWait     time.Duration
	stable      time.Duration
	cleanStops  bool
	publishErrs bool
}

// WithRestartBackoff bounds the wait between restarts. Zero keeps the default.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if lo > 0 {
			p.minWait = lo
		}
		if hi > 0 {
			p.maxWait = hi
		}
	}
}

// WithPublishFirstError makes a failure visible through Err even though the
// goroutine keeps being restarted.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishErrs = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (the
// default) or counts as a crash.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.cleanStops = enabled }
}

// GoRestart0 is GoRestart for functions that cannot fail.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

// GoRestart keeps fn running until the context ends. Errors and panics are
// followed by a jittered, doubling wait; a run that lasted 30s resets it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{
		minWait:    250 * time.Millisecond,
		maxWait:    30 * time.Second,
		stable:     30 * time.Second,
		cleanStops: true,
	}
	for _, o := range opts {
		o(&p)
	}
	p.maxWait = max(p.maxWait, p.minWait)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(name, fn, p)
	}()
}

func (s *Supervisor) loop(name string, fn func(context.Context) error, p restartPolicy) {
	wait := p.minWait
	for run := 0; s.ctx.Err() == nil; run++ {
		s.begin(name, run > 0)
		began := time.Now()
		err, panicked := s.call(name, fn)

		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.end(name, nil, panicked)
			return
		}
		if err == nil && p.cleanStops {
			s.end(name, nil, false)
			return
		}
		if err == nil {
			err = errors.New("returned unexpectedly")
		}
		if !panicked {
			err = fmt.Errorf("%s: %w", name, err)
		}
		s.end(name, err, panicked)
		if p.publishErrs {
			s.record(err)
		}

		if time.Since(began) >= p.stable {
			wait = p.minWait
		}
		d := wait + jitter(wait)
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", d), logx.Err(err))
		t := time.NewTimer(d)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		wait = min(wait*2, p.maxWait)
	}
}

// jitter is up to a fifth of d.
func jitter(d time.Duration) time.Duration {
	if n := int64(d / 5); n > 0 {
		return time.Duration(rand.Int64N(n + 1))
	}
	return 0
}
