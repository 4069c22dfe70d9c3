package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chanfetch/chanfetch/pkg/fetchlib"
)

var (
	// ErrTaskNotFound is returned when no task has the requested id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrRuleNotFound is returned when no rule has the requested id.
	ErrRuleNotFound = errors.New("rule not found")
)

const taskColumns = `id, name, resource_key, status,
  recurrence_kind, recurrence_every_sec, recurrence_weekday,
  recurrence_day, recurrence_hour, recurrence_minute,
  is_active, run_count, max_runs, next_run_at, last_run_at,
  percent, total_items, downloaded_items, error_message,
  date_from, date_to, created_at, updated_at`

// CreateTask inserts a new task, assigning an id when it has none.
func (s *Store) CreateTask(t *fetchlib.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = fetchlib.TaskPending
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	return withRetry(func() error {
		_, err := s.db.Exec(`INSERT INTO tasks (`+taskColumns+`) VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			taskArgs(t)...)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// SaveTask persists the mutable execution fields of an existing task.
func (s *Store) SaveTask(t *fetchlib.Task) error {
	t.UpdatedAt = time.Now()
	return withRetry(func() error {
		res, err := s.db.Exec(`UPDATE tasks SET
			name = ?, resource_key = ?, status = ?,
			recurrence_kind = ?, recurrence_every_sec = ?, recurrence_weekday = ?,
			recurrence_day = ?, recurrence_hour = ?, recurrence_minute = ?,
			is_active = ?, run_count = ?, max_runs = ?,
			next_run_at = ?, last_run_at = ?,
			percent = ?, total_items = ?, downloaded_items = ?, error_message = ?,
			date_from = ?, date_to = ?, updated_at = ?
			WHERE id = ?`,
			t.Name, t.ResourceKey, string(t.Status),
			string(t.Recurrence.Kind), int64(t.Recurrence.Every/time.Second), int(t.Recurrence.Weekday),
			t.Recurrence.Day, t.Recurrence.Hour, t.Recurrence.Minute,
			boolToInt(t.IsActive), t.RunCount, t.MaxRuns,
			encodeTimePtr(t.NextRunAt), encodeTimePtr(t.LastRunAt),
			t.Progress.Percent, t.Progress.TotalItems, t.Progress.DownloadedItems, t.ErrorMessage,
			dateRangeArgs(t.DateRange)[0], dateRangeArgs(t.DateRange)[1], encodeTime(t.UpdatedAt),
			t.ID,
		)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

// GetTask loads one task by id.
func (s *Store) GetTask(id string) (*fetchlib.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

// ListTasks returns all tasks ordered by creation time.
func (s *Store) ListTasks() ([]*fetchlib.Task, error) {
	rows, err := s.db.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListDueTasks returns active, non-running tasks whose next run is unset or
// has arrived.
func (s *Store) ListDueTasks(now time.Time) ([]*fetchlib.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks
		WHERE is_active = 1
		  AND status != ?
		  AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY created_at`,
		string(fetchlib.TaskRunning), encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func taskArgs(t *fetchlib.Task) []any {
	dr := dateRangeArgs(t.DateRange)
	return []any{
		t.ID, t.Name, t.ResourceKey, string(t.Status),
		string(t.Recurrence.Kind), int64(t.Recurrence.Every / time.Second), int(t.Recurrence.Weekday),
		t.Recurrence.Day, t.Recurrence.Hour, t.Recurrence.Minute,
		boolToInt(t.IsActive), t.RunCount, t.MaxRuns,
		encodeTimePtr(t.NextRunAt), encodeTimePtr(t.LastRunAt),
		t.Progress.Percent, t.Progress.TotalItems, t.Progress.DownloadedItems, t.ErrorMessage,
		dr[0], dr[1], encodeTime(t.CreatedAt), encodeTime(t.UpdatedAt),
	}
}

func dateRangeArgs(r *fetchlib.DateRange) [2]sql.NullString {
	if r == nil {
		return [2]sql.NullString{}
	}
	return [2]sql.NullString{encodeTimePtr(r.From), encodeTimePtr(r.To)}
}

func decodeDateRange(from, to sql.NullString) (*fetchlib.DateRange, error) {
	f, err := decodeTimePtr(from)
	if err != nil {
		return nil, err
	}
	t, err := decodeTimePtr(to)
	if err != nil {
		return nil, err
	}
	if f == nil && t == nil {
		return nil, nil
	}
	return &fetchlib.DateRange{From: f, To: t}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*fetchlib.Task, error) {
	var (
		t                  fetchlib.Task
		status, kind       string
		everySec           int64
		weekday            int
		isActive           int
		nextRun, lastRun   sql.NullString
		dateFrom, dateTo   sql.NullString
		createdAt, updated string
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.ResourceKey, &status,
		&kind, &everySec, &weekday,
		&t.Recurrence.Day, &t.Recurrence.Hour, &t.Recurrence.Minute,
		&isActive, &t.RunCount, &t.MaxRuns, &nextRun, &lastRun,
		&t.Progress.Percent, &t.Progress.TotalItems, &t.Progress.DownloadedItems, &t.ErrorMessage,
		&dateFrom, &dateTo, &createdAt, &updated,
	)
	if err != nil {
		return nil, err
	}
	t.Status = fetchlib.TaskStatus(status)
	t.Recurrence.Kind = fetchlib.RecurrenceKind(kind)
	t.Recurrence.Every = time.Duration(everySec) * time.Second
	t.Recurrence.Weekday = time.Weekday(weekday)
	t.IsActive = isActive != 0
	if t.NextRunAt, err = decodeTimePtr(nextRun); err != nil {
		return nil, fmt.Errorf("task %s: next_run_at: %w", t.ID, err)
	}
	if t.LastRunAt, err = decodeTimePtr(lastRun); err != nil {
		return nil, fmt.Errorf("task %s: last_run_at: %w", t.ID, err)
	}
	if t.DateRange, err = decodeDateRange(dateFrom, dateTo); err != nil {
		return nil, fmt.Errorf("task %s: date range: %w", t.ID, err)
	}
	if t.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("task %s: created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, fmt.Errorf("task %s: updated_at: %w", t.ID, err)
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*fetchlib.Task, error) {
	var tasks []*fetchlib.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
