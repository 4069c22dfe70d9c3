// Package scheduler runs the background loop that dispatches due tasks to
// the task runner on their recurrence schedule.
package scheduler

import (
	"context"
	"time"

	"github.com/chanfetch/chanfetch/pkg/fetchlib"
	"github.com/chanfetch/chanfetch/pkg/logger"
)

// DefaultPollInterval is how often the scheduler looks for due tasks.
const DefaultPollInterval = 60 * time.Second

// TaskSource is the persistence surface the scheduler needs.
type TaskSource interface {
	ListDueTasks(now time.Time) ([]*fetchlib.Task, error)
	SaveTask(t *fetchlib.Task) error
}

// TaskStarter dispatches one task execution.
type TaskStarter interface {
	Start(ctx context.Context, task *fetchlib.Task) error
	IsRunning(taskID string) bool
}

// Scheduler polls for due tasks and fires them. One scheduling or
// persistence error never aborts the tick for the other due tasks.
type Scheduler struct {
	store    TaskSource
	runner   TaskStarter
	log      logger.Logger
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
}

// New creates a scheduler. A non-positive interval selects
// DefaultPollInterval.
func New(store TaskSource, runner TaskStarter, l logger.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &Scheduler{
		store:    store,
		runner:   runner,
		log:      l,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop. The loop exits when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Done is closed once the loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick selects the due tasks and dispatches each one. Exported so tests and
// the daemon can force a pass without waiting for the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	tasks, err := s.store.ListDueTasks(now)
	if err != nil {
		s.log.Error("scheduler: list due tasks: %v", err)
		return
	}
	for _, task := range tasks {
		s.dispatch(ctx, task, now)
	}
}

// dispatch advances one due task's schedule bookkeeping and fires it.
func (s *Scheduler) dispatch(ctx context.Context, task *fetchlib.Task, now time.Time) {
	if s.runner.IsRunning(task.ID) {
		return
	}

	task.RunCount++
	switch {
	case task.MaxRuns > 0 && task.RunCount >= task.MaxRuns:
		// The run that hit the cap still executes; nothing after it does.
		task.IsActive = false
		task.NextRunAt = nil
	default:
		next, ok := task.Recurrence.NextRun(now)
		if ok {
			task.NextRunAt = &next
		} else {
			// No next instant means a one-shot (or malformed) recurrence.
			// Deactivate, or the task stays due and re-runs every tick.
			task.IsActive = false
			task.NextRunAt = nil
			if task.Recurrence.Kind != fetchlib.RecurrenceNone {
				s.log.Warning("scheduler: task %s has malformed recurrence %q, deactivating", task.ID, task.Recurrence.Kind)
			}
		}
	}

	task.Status = fetchlib.TaskPending
	if err := s.store.SaveTask(task); err != nil {
		s.log.Error("scheduler: persist task %s: %v", task.ID, err)
		return
	}
	if err := s.runner.Start(ctx, task); err != nil {
		s.log.Error("scheduler: start task %s: %v", task.ID, err)
	}
}
