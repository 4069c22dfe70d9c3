package fetchlib

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskProgress is the aggregate progress of one task execution.
type TaskProgress struct {
	Percent         int `json:"percent"`
	TotalItems      int `json:"total_items"`
	DownloadedItems int `json:"downloaded_items"`
}

// DateRange is a closed interval over message timestamps. A nil bound is
// unbounded on that side.
type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls within the range, bounds inclusive.
func (r *DateRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

// Task is a configured, possibly recurring unit of work that downloads
// matching messages from one resource. Status, progress and scheduling
// fields are mutated only by the runner and the recurrence scheduler.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	ResourceKey string     `json:"resource_key"`
	Status      TaskStatus `json:"status"`
	Recurrence  Recurrence `json:"recurrence"`
	IsActive    bool       `json:"is_active"`
	// RunCount is the number of times the scheduler has dispatched the task.
	RunCount int `json:"run_count"`
	// MaxRuns caps RunCount; zero means unlimited.
	MaxRuns   int          `json:"max_runs"`
	NextRunAt *time.Time   `json:"next_run_at,omitempty"`
	LastRunAt *time.Time   `json:"last_run_at,omitempty"`
	Progress  TaskProgress `json:"progress"`
	// ErrorMessage carries the aggregated failure summary of the last run.
	ErrorMessage string `json:"error_message,omitempty"`
	// DateRange, when set, overrides rule-level date ranges entirely.
	DateRange *DateRange `json:"date_range,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Startable reports whether the task may transition to running.
// Paused and running tasks must be resumed or cancelled through the
// runner, not restarted.
func (t *Task) Startable() bool {
	switch t.Status {
	case TaskPending, TaskFailed, TaskCompleted:
		return true
	default:
		return false
	}
}
