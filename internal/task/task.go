// Package task sequences the startup and shutdown of long-running
// subsystems.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is a long-running subsystem. Run must call ready exactly once,
// as soon as the task is initialized enough for the next task to
// start, then block until ctx is cancelled.
type Task interface {
	Name() string
	Run(ctx context.Context, ready func()) error
}

// Func adapts a function to the Task interface.
type Func struct {
	TaskName string
	RunFunc  func(ctx context.Context, ready func()) error
}

func (f Func) Name() string { return f.TaskName }

func (f Func) Run(ctx context.Context, ready func()) error {
	return f.RunFunc(ctx, ready)
}

// DefaultReadyTimeout bounds how long a task may take to signal
// readiness during startup.
const DefaultReadyTimeout = 10 * time.Second

// Orchestrator starts tasks strictly one at a time: each task runs in
// its own goroutine, but the next one is not launched until the
// previous task signals readiness. This keeps initialization ordering
// deterministic even though the tasks themselves are concurrent.
type Orchestrator struct {
	logger       *slog.Logger
	readyTimeout time.Duration

	mu    sync.Mutex
	tasks []Task

	wg   sync.WaitGroup
	errs chan error
}

// NewOrchestrator creates an empty orchestrator.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		logger:       logger,
		readyTimeout: DefaultReadyTimeout,
	}
}

// SetReadyTimeout overrides the per-task readiness timeout.
func (o *Orchestrator) SetReadyTimeout(d time.Duration) {
	o.readyTimeout = d
}

// Add registers a task. Tasks start in registration order.
func (o *Orchestrator) Add(t Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks = append(o.tasks, t)
}

// Start launches every registered task in order, waiting for each to
// signal readiness before launching the next. If a task fails or
// times out before signalling, startup aborts and the error is
// returned; already-running tasks are left to the caller's ctx
// cancellation.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	tasks := make([]Task, len(o.tasks))
	copy(tasks, o.tasks)
	o.mu.Unlock()

	o.errs = make(chan error, len(tasks))

	for _, t := range tasks {
		t := t
		readyCh := make(chan struct{})
		var readyOnce sync.Once
		ready := func() {
			readyOnce.Do(func() { close(readyCh) })
		}

		failed := make(chan error, 1)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.logger.Info("starting task", "task", t.Name())
			err := t.Run(ctx, ready)
			if err != nil {
				o.logger.Error("task exited with error", "task", t.Name(), "error", err)
			} else {
				o.logger.Info("task stopped", "task", t.Name())
			}
			failed <- err
			o.errs <- err
		}()

		select {
		case <-readyCh:
			o.logger.Debug("task ready", "task", t.Name())
		case err := <-failed:
			if err == nil {
				err = fmt.Errorf("task %s exited before signalling ready", t.Name())
			}
			return fmt.Errorf("start %s: %w", t.Name(), err)
		case <-time.After(o.readyTimeout):
			return fmt.Errorf("start %s: not ready after %v", t.Name(), o.readyTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Wait blocks until every task goroutine has returned and reports the
// first non-nil task error.
func (o *Orchestrator) Wait() error {
	o.wg.Wait()

	var first error
	for {
		select {
		case err := <-o.errs:
			if err != nil && first == nil {
				first = err
			}
		default:
			return first
		}
	}
}
