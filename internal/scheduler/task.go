package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrTaskRunning is returned by Start when the task loop is already active.
var ErrTaskRunning = errors.New("scheduler: task already running")

// JobFunc is the unit of work run by a Task.
type JobFunc func(ctx context.Context) error

// Task is a named job driven by a Scheduler that can also be triggered on
// demand and stopped through its handle. Runs never overlap.
type Task struct {
	name   string
	sched  *Scheduler
	job    JobFunc
	logger zerolog.Logger

	runMu sync.Mutex
	runs  atomic.Int64
	last  atomic.Value

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTask binds job to a scheduler built from opts.
func NewTask(name string, opts Options, job JobFunc, logger zerolog.Logger) *Task {
	logger = logger.With().Str("task", name).Logger()
	return &Task{
		name:   name,
		sched:  New(opts, logger),
		job:    job,
		logger: logger,
	}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Start launches the interval loop in the background.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return ErrTaskRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	go func() {
		defer close(done)
		err := t.sched.Run(loopCtx, func(ctx context.Context, bucket time.Time) error {
			return t.run(ctx)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Error().Err(err).Msg("task loop exited")
		}
	}()
	return nil
}

// Trigger runs the job now, waiting for any in-flight run first.
func (t *Task) Trigger(ctx context.Context) error {
	return t.run(ctx)
}

// Stop cancels the loop and waits for it to exit. Safe to call repeatedly.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Runs is the number of completed job executions.
func (t *Task) Runs() int64 { return t.runs.Load() }

// LastRun returns the completion time of the latest run.
func (t *Task) LastRun() (time.Time, bool) {
	v, ok := t.last.Load().(time.Time)
	return v, ok
}

func (t *Task) run(ctx context.Context) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	started := time.Now()
	err := t.job(ctx)
	t.runs.Add(1)
	t.last.Store(time.Now())
	if err != nil {
		t.logger.Warn().Err(err).Dur("took", time.Since(started)).Msg("task run failed")
		return err
	}
	t.logger.Debug().Dur("took", time.Since(started)).Msg("task run finished")
	return nil
}
