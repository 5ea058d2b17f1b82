package jobs

import (
	"context"
	"time"
)

// Config controls the worker pool.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds one attempt when Options.Timeout is 0.
	DefaultTimeout time.Duration
	// MaxDelay caps the computed backoff between attempts.
	MaxDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Handler processes one job. Returning an error schedules another attempt
// unless attempts are exhausted or the error is wrapped with NoRetry.
type Handler func(ctx context.Context, runID int64) error

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

type Backoff struct {
	Kind  BackoffKind
	Delay time.Duration
}

// Options are fixed at enqueue time.
type Options struct {
	Attempts         int
	Backoff          Backoff
	RemoveOnComplete bool
	Timeout          time.Duration
	// Jitter is the +/- fraction applied to every delay. 0 means 0.2.
	Jitter float64
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff.Kind == "" {
		o.Backoff.Kind = BackoffExponential
	}
	if o.Backoff.Delay < 0 {
		o.Backoff.Delay = 0
	}
	if o.Jitter <= 0 {
		o.Jitter = 0.2
	}
	return o
}

type HistoryItem struct {
	ID         string
	Name       string
	RunID      int64
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// JobEvent is published on the event bus for job lifecycle changes.
type JobEvent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RunID    int64  `json:"run_id"`
	Phase    string `json:"phase"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool     `json:"running"`
	Workers  int      `json:"workers"`
	QueueLen int      `json:"queue_len"`
	QueueCap int      `json:"queue_cap"`
	InFlight int      `json:"in_flight"`
	Handlers []string `json:"handlers"`

	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`

	History []HistoryItem `json:"history"`
}
