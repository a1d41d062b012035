// Package scheduler runs the periodic workers. A Job never overlaps its own
// ticks; a tick still running when the next one is due causes that one to be
// skipped. The Supervisor starts jobs together and, on cancellation, waits for
// every in-flight tick before returning.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/chainwatch/pkg/observability"
)

// ErrTickInProgress is returned by RunOnce when a tick is already running.
var ErrTickInProgress = errors.New("tick already in progress")

// TickFunc is one unit of periodic work.
type TickFunc func(ctx context.Context) error

// Observer is told the outcome of every completed tick.
type Observer func(job string, err error)

// Job runs a TickFunc on a fixed interval.
type Job struct {
	name       string
	interval   time.Duration
	tick       TickFunc
	timeout    time.Duration
	immediate  bool
	observers  []Observer
	metrics    *observability.Provider
	logger     *slog.Logger
	running    atomic.Bool
	skipped    atomic.Int64
	inflight   sync.WaitGroup
	lastResult atomic.Pointer[Result]
}

// Result describes the most recent completed tick.
type Result struct {
	Started  time.Time
	Duration time.Duration
	Err      error
}

// JobOption configures a Job.
type JobOption func(*Job)

// WithTimeout bounds every tick. Zero means no bound.
func WithTimeout(d time.Duration) JobOption { return func(j *Job) { j.timeout = d } }

// WithImmediateStart runs the first tick as soon as the job starts instead of
// after one interval.
func WithImmediateStart() JobOption { return func(j *Job) { j.immediate = true } }

func WithObserver(o Observer) JobOption {
	return func(j *Job) { j.observers = append(j.observers, o) }
}

func WithJobMetrics(p *observability.Provider) JobOption { return func(j *Job) { j.metrics = p } }

func WithJobLogger(l *slog.Logger) JobOption { return func(j *Job) { j.logger = l } }

// NewJob creates a job. interval must be positive.
func NewJob(name string, interval time.Duration, tick TickFunc, opts ...JobOption) (*Job, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("job %s: interval must be positive, got %s", name, interval)
	}
	j := &Job{name: name, interval: interval, tick: tick}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = slog.Default()
	}
	j.logger = j.logger.With("component", "scheduler", "job", name)
	if j.metrics == nil {
		j.metrics = observability.Noop()
	}
	return j, nil
}

func (j *Job) Name() string { return j.name }

func (j *Job) Interval() time.Duration { return j.interval }

// Skipped returns how many ticks were skipped because the previous one was
// still running.
func (j *Job) Skipped() int64 { return j.skipped.Load() }

// LastResult returns the outcome of the most recent completed tick, if any.
func (j *Job) LastResult() (Result, bool) {
	r := j.lastResult.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}

// Run drives the job until ctx is cancelled, then waits for an in-flight tick
// to finish and releases the ticker. Ticks are not cancelled by ctx; they run
// to completion so no tick stops halfway through its writes.
func (j *Job) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	defer j.inflight.Wait()

	j.logger.InfoContext(ctx, "job started", "interval", j.interval.String())
	if j.immediate {
		j.start(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			j.logger.InfoContext(ctx, "job stopping", "skipped_ticks", j.skipped.Load())
			return nil
		case <-ticker.C:
			j.start(ctx)
		}
	}
}

// RunOnce runs a single tick synchronously.
func (j *Job) RunOnce(ctx context.Context) error {
	if !j.running.CompareAndSwap(false, true) {
		return ErrTickInProgress
	}
	j.inflight.Add(1)
	defer j.inflight.Done()
	defer j.running.Store(false)
	return j.execute(ctx)
}

func (j *Job) start(ctx context.Context) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		j.metrics.TickSkipped(ctx, j.name)
		j.logger.WarnContext(ctx, "tick skipped, previous tick still running")
		return
	}
	j.inflight.Add(1)
	go func() {
		defer j.inflight.Done()
		defer j.running.Store(false)
		_ = j.execute(context.WithoutCancel(ctx))
	}()
}

func (j *Job) execute(ctx context.Context) (err error) {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	started := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, p)
		}
		j.finish(ctx, started, err)
	}()
	return j.tick(ctx)
}

func (j *Job) finish(ctx context.Context, started time.Time, err error) {
	res := Result{Started: started, Duration: time.Since(started), Err: err}
	j.lastResult.Store(&res)
	j.metrics.TickCompleted(ctx, j.name, err)
	if err != nil {
		j.logger.ErrorContext(ctx, "tick failed", "error", err, "duration", res.Duration)
	} else {
		j.logger.DebugContext(ctx, "tick completed", "duration", res.Duration)
	}
	for _, o := range j.observers {
		o(j.name, err)
	}
}
