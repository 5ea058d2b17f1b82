// Package jobs is an in-process job queue with at-least-once delivery of
// named jobs carrying a run id. Retry policy (attempts and backoff) is fixed
// per job at enqueue time; handlers only report success or failure.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"agroplan/internal/eventbus"
	rtsup "agroplan/internal/runtime/supervisor"
	logx "agroplan/pkg/logx"
)

type Queue struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	handlers map[string]Handler

	q        chan queued
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight  int32
	completed uint64
	failed    uint64
	retried   uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type queued struct {
	id         string
	name       string
	runID      int64
	opt        Options
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Queue{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "jobs")),
		bus:      bus,
		handlers: map[string]Handler{},
	}
}

// Register binds a handler to a job name. Register before Start.
func (q *Queue) Register(name string, h Handler) {
	name = strings.TrimSpace(name)
	if name == "" || h == nil {
		return
	}
	q.mu.Lock()
	q.handlers[name] = h
	q.mu.Unlock()
}

func (q *Queue) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.stopCh != nil {
		q.mu.Unlock()
		return
	}
	cfg := q.cfg
	q.q = make(chan queued, cfg.QueueSize)
	q.stopCh = make(chan struct{})
	q.stopDone = nil
	q.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(q.log),
		rtsup.WithCancelOnError(false),
	)
	sup, stopCh, ch := q.sup, q.stopCh, q.q
	q.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			q.worker(c, stopCh, ch, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	q.log.Info("job queue started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels workers. Jobs still queued are lost; runs they carried stay
// pending and are picked up by the pending-run sweep.
func (q *Queue) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.stopCh == nil {
		q.mu.Unlock()
		return
	}
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	q.stopDone = done
	close(q.stopCh)
	sup := q.sup
	q.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		q.mu.Lock()
		q.q, q.stopCh, q.stopDone, q.sup = nil, nil, nil, nil
		q.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info("job queue stopped")
	case <-ctx.Done():
		q.log.Warn("job queue stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue hands a job to the workers, blocking while the queue is full.
// It returns the job id.
func (q *Queue) Enqueue(ctx context.Context, name string, runID int64, opt Options) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	q.mu.Lock()
	_, known := q.handlers[name]
	ch, stopCh, stopping := q.q, q.stopCh, q.stopDone != nil
	q.mu.Unlock()

	if !known {
		return "", fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if ch == nil || stopCh == nil {
		return "", ErrStopped
	}
	if stopping {
		return "", ErrStopping
	}

	j := queued{id: uuid.NewString(), name: name, runID: runID, opt: opt.withDefaults(), enqueuedAt: time.Now()}
	select {
	case ch <- j:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-stopCh:
		return "", ErrStopping
	}
	q.publish(j, "queued", 0, nil)
	q.log.Debug("job queued", logx.String("job", name), logx.String("id", j.id), logx.Int64("run_id", runID))
	return j.id, nil
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	cfg := q.cfg
	ch := q.q
	names := make([]string, 0, len(q.handlers))
	for n := range q.handlers {
		names = append(names, n)
	}
	q.mu.Unlock()
	sort.Strings(names)

	s := Snapshot{
		Running:   ch != nil,
		Workers:   cfg.Workers,
		InFlight:  int(atomic.LoadInt32(&q.inFlight)),
		Handlers:  names,
		Completed: atomic.LoadUint64(&q.completed),
		Failed:    atomic.LoadUint64(&q.failed),
		Retried:   atomic.LoadUint64(&q.retried),
	}
	if ch != nil {
		s.QueueLen, s.QueueCap = len(ch), cap(ch)
	}
	q.hmu.Lock()
	s.History = append([]HistoryItem(nil), q.history...)
	q.hmu.Unlock()
	return s
}

// Supervisor is the worker supervisor while running, else nil.
func (q *Queue) Supervisor() *rtsup.Supervisor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sup
}

func (q *Queue) handler(name string) Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[name]
}

func (q *Queue) appendHistory(item HistoryItem) {
	q.mu.Lock()
	size := q.cfg.HistorySize
	q.mu.Unlock()
	q.hmu.Lock()
	q.history = append(q.history, item)
	if len(q.history) > size {
		q.history = q.history[len(q.history)-size:]
	}
	q.hmu.Unlock()
}

func (q *Queue) publish(j queued, phase string, attempts int, err error) {
	ev := JobEvent{ID: j.id, Name: j.name, RunID: j.runID, Phase: phase, Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	q.bus.Publish(eventbus.Event{Type: eventbus.TypeJob, Time: time.Now(), Data: ev})
}
