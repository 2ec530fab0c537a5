// Package scheduler runs named background tasks on fixed intervals.
//
// It drives the maintenance work that must stay off the request paths: the
// proactive refresh sweep, event retention sweep, terminal job pruning, and
// cache housekeeping.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Scheduler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Task is one periodic maintenance job.
type Task struct {
	// Name identifies the task in logs.
	Name string

	// Interval is the time between runs.
	Interval time.Duration

	// Run does one sweep. Errors are logged; the task keeps its schedule.
	Run func(ctx context.Context) error
}

// Scheduler runs registered tasks until stopped.
type Scheduler struct {
	logger Logger

	mu      sync.Mutex
	tasks   []Task
	started bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{logger: noopLogger{}}
}

// SetLogger sets the logger for the scheduler.
func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// Add registers a task. Must be called before Start.
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" || task.Run == nil || task.Interval <= 0 {
		return fmt.Errorf("task needs a name, an interval, and a run func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.tasks = append(s.tasks, task)
	return nil
}

// Start launches one goroutine per task. Tasks run until the context is
// cancelled; call Stop to wait for in-flight runs to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	taskCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.runLoop(taskCtx, task)
	}

	s.logger.Info("scheduler started", "tasks", len(s.tasks))
	return nil
}

// Stop cancels all tasks and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// runLoop ticks one task until cancellation.
func (s *Scheduler) runLoop(ctx context.Context, task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, task)
		}
	}
}

// runOnce executes one sweep, absorbing errors and panics so a bad run
// never kills the schedule.
func (s *Scheduler) runOnce(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "task", task.Name, "panic", r)
		}
	}()

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		s.logger.Error("task failed", "task", task.Name, "error", err)
		return
	}
	s.logger.Debug("task completed", "task", task.Name, "duration", time.Since(start))
}
