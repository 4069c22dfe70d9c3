package fetchlib

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/chanfetch/chanfetch/common"
	"github.com/chanfetch/chanfetch/pkg/logger"
)

// MessageQuery narrows a message store query.
type MessageQuery struct {
	// HasMedia restricts results to messages with an attachment.
	HasMedia bool
	// Range bounds the message timestamp, inclusive.
	Range *DateRange
}

// DownloadRecord is the persisted outcome of one transfer, the basis of
// the observable per-resource download status.
type DownloadRecord struct {
	ResourceKey     string
	SourceMessageID int64
	Destination     string
	Status          DownloadStatus
	Error           string
}

// TaskStore is the persistence surface the runner needs. The concrete
// implementation lives outside the engine.
type TaskStore interface {
	// SaveTask persists the task's mutable execution fields.
	SaveTask(t *Task) error
	// ActiveRules returns the task's active linked rules ordered by
	// priority, highest first.
	ActiveRules(taskID string) ([]*Rule, error)
	// Messages returns stored messages of a resource matching the query.
	Messages(resourceKey string, q MessageQuery) ([]*Message, error)
	// RecordDownload upserts the outcome of one transfer.
	RecordDownload(rec DownloadRecord) error
}

// taskRun tracks one in-progress task execution.
type taskRun struct {
	keys      *VMap[string, struct{}]
	cancelled atomic.Bool
	done      chan struct{}
}

// Runner orchestrates one task's execution: resolve rules, filter messages,
// enqueue transfer jobs, await settlement, and finalize the task state.
// It is the only mutator of task status and progress during execution.
type Runner struct {
	store    TaskStore
	coord    *Coordinator
	engine   *FilterEngine
	notify   Notifier
	log      logger.Logger
	mediaDir string

	running *VMap[string, *taskRun]
}

// NewRunner creates a task runner. notify may be nil.
func NewRunner(store TaskStore, coord *Coordinator, notify Notifier, l logger.Logger, mediaDir string) *Runner {
	if notify == nil {
		notify = NopNotifier{}
	}
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &Runner{
		store:    store,
		coord:    coord,
		engine:   NewFilterEngine(),
		notify:   notify,
		log:      l,
		mediaDir: mediaDir,
		running:  NewVMap[string, *taskRun](),
	}
}

// Start launches the task asynchronously. It returns an error only for
// precondition failures; execution errors surface through the task state.
func (r *Runner) Start(ctx context.Context, task *Task) error {
	if err := r.claim(task); err != nil {
		return err
	}
	safeGo(r.log, nil, "runner.task."+task.ID, func() {
		r.execute(ctx, task)
	})
	return nil
}

// Run executes the task synchronously. Used by tests and by callers that
// need to observe settlement directly.
func (r *Runner) Run(ctx context.Context, task *Task) error {
	if err := r.claim(task); err != nil {
		return err
	}
	return r.execute(ctx, task)
}

// IsRunning reports whether the task currently has an execution in flight.
func (r *Runner) IsRunning(taskID string) bool {
	_, ok := r.running.GetOK(taskID)
	return ok
}

// Cancel moves a running task toward paused: it flags the run and
// propagates cancellation to every transfer the task owns. Completed
// downloads are kept; there is no rollback.
func (r *Runner) Cancel(taskID string) error {
	run, ok := r.running.GetOK(taskID)
	if !ok {
		return ErrTaskNotRunning
	}
	run.cancelled.Store(true)
	run.keys.Range(func(key string, _ struct{}) bool {
		r.coord.Cancel(key)
		return true
	})
	return nil
}

// claim atomically reserves the task id for one execution.
func (r *Runner) claim(task *Task) error {
	if !task.Startable() {
		if task.Status == TaskRunning {
			return ErrTaskAlreadyRunning
		}
		return fmt.Errorf("%w: status %q", ErrTaskNotRunnable, task.Status)
	}
	run := &taskRun{
		keys: NewVMap[string, struct{}](),
		done: make(chan struct{}),
	}
	if !r.running.SetIfAbsent(task.ID, run) {
		return ErrTaskAlreadyRunning
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, task *Task) error {
	run := r.running.Get(task.ID)
	defer func() {
		r.running.Delete(task.ID)
		close(run.done)
	}()

	task.Status = TaskRunning
	task.Progress = TaskProgress{}
	task.ErrorMessage = ""
	if err := r.store.SaveTask(task); err != nil {
		return r.fail(task, fmt.Errorf("persist running state: %w", err))
	}
	r.notify.Publish(common.MethodTaskStarted, common.TaskStartedEvent{
		TaskID: task.ID, TaskName: task.Name,
	})

	rules, err := r.store.ActiveRules(task.ID)
	if err != nil {
		return r.fail(task, fmt.Errorf("resolve rules: %w", err))
	}
	msgs, err := r.store.Messages(task.ResourceKey, MessageQuery{
		HasMedia: true,
		Range:    task.DateRange,
	})
	if err != nil {
		return r.fail(task, fmt.Errorf("query messages: %w", err))
	}

	matches := r.engine.Apply(rules, msgs, task.DateRange)
	if len(matches) == 0 {
		// Zero qualifying items is a successful, empty run.
		return r.finalize(task, run, 0, 0, 0, nil)
	}

	task.Progress.TotalItems = len(matches)
	if err := r.store.SaveTask(task); err != nil {
		r.log.Warning("task %s: persist total items: %v", task.ID, err)
	}

	jobs := make([]*Job, 0, len(matches))
	var skipped int
	for _, match := range matches {
		if run.cancelled.Load() {
			break
		}
		msg := match.Message
		key := JobKey(msg.ResourceKey, msg.SourceMessageID)
		job, err := r.coord.Submit(key, DestinationPath(r.mediaDir, match), SourceDescriptor{
			ResourceKey:     msg.ResourceKey,
			SourceMessageID: msg.SourceMessageID,
			Ref:             msg.Media.Ref,
			Size:            msg.Media.Size,
		})
		if err != nil {
			if errors.Is(err, ErrAlreadyInProgress) {
				// Another task already owns this transfer; neither a
				// success nor a failure for this run.
				skipped++
				continue
			}
			return r.fail(task, fmt.Errorf("submit %s: %w", key, err))
		}
		run.keys.Set(key, struct{}{})
		if run.cancelled.Load() {
			// Cancel may have swept run.keys before this key landed;
			// flag the job here so it cannot escape the sweep.
			r.coord.Cancel(key)
		}
		jobs = append(jobs, job)
	}
	if skipped > 0 {
		task.Progress.TotalItems -= skipped
	}

	var (
		downloaded int
		failures   int
		merr       *multierror.Error
	)
	for _, job := range jobs {
		select {
		case <-job.Done():
		case <-ctx.Done():
			// Shutdown: jobs that never settle count as cancelled.
			run.cancelled.Store(true)
		}
		if ctx.Err() != nil {
			break
		}
		switch job.State() {
		case JobDone:
			downloaded++
			r.record(job, StatusDownloaded, "")
			r.notify.Publish(common.MethodJobDone, common.JobDoneEvent{
				Key:         job.Key,
				Destination: job.Destination,
				Size:        job.Tracker.Snapshot().Current,
			})
		case JobFailed:
			failures++
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", job.Key, job.Err()))
			r.record(job, StatusFailed, job.Err().Error())
		case JobCancelled:
			r.record(job, StatusCancelled, "")
		}
		task.Progress.DownloadedItems = downloaded
		if task.Progress.TotalItems > 0 {
			task.Progress.Percent = downloaded * 100 / task.Progress.TotalItems
		}
		if err := r.store.SaveTask(task); err != nil {
			r.log.Warning("task %s: persist progress: %v", task.ID, err)
		}
	}

	return r.finalize(task, run, task.Progress.TotalItems, downloaded, failures, merr)
}

func (r *Runner) record(job *Job, status DownloadStatus, errMsg string) {
	err := r.store.RecordDownload(DownloadRecord{
		ResourceKey:     job.Source.ResourceKey,
		SourceMessageID: job.Source.SourceMessageID,
		Destination:     job.Destination,
		Status:          status,
		Error:           errMsg,
	})
	if err != nil {
		r.log.Warning("record download %s: %v", job.Key, err)
	}
}

// finalize applies the terminal transition: cancelled runs pause, runs with
// any failure fail carrying the aggregate, everything else completes.
// Partial successes are retained either way.
func (r *Runner) finalize(task *Task, run *taskRun, total, downloaded, failures int, merr *multierror.Error) error {
	now := time.Now()
	task.LastRunAt = &now
	task.Progress.DownloadedItems = downloaded

	var retErr error
	switch {
	case run.cancelled.Load():
		task.Status = TaskPaused
	case failures > 0:
		task.Status = TaskFailed
		last := merr.Errors[len(merr.Errors)-1]
		task.ErrorMessage = fmt.Sprintf("%d of %d transfers failed, last error: %v", failures, total, last)
		r.log.Error("task %s: %v", task.ID, merr)
		retErr = merr.ErrorOrNil()
	default:
		task.Status = TaskCompleted
		task.Progress.Percent = 100
	}

	if err := r.store.SaveTask(task); err != nil {
		r.log.Error("task %s: persist final state: %v", task.ID, err)
	}
	r.notify.Publish(common.MethodTaskFinished, common.TaskFinishedEvent{
		TaskID:          task.ID,
		TaskName:        task.Name,
		Status:          string(task.Status),
		TotalItems:      task.Progress.TotalItems,
		DownloadedItems: downloaded,
		FailureCount:    failures,
		Error:           task.ErrorMessage,
	})
	return retErr
}

// fail records an orchestration error (not a per-job failure) and moves the
// task to failed.
func (r *Runner) fail(task *Task, err error) error {
	task.Status = TaskFailed
	task.ErrorMessage = err.Error()
	if serr := r.store.SaveTask(task); serr != nil {
		r.log.Error("task %s: persist failure: %v", task.ID, serr)
	}
	r.notify.Publish(common.MethodTaskFinished, common.TaskFinishedEvent{
		TaskID:   task.ID,
		TaskName: task.Name,
		Status:   string(task.Status),
		Error:    task.ErrorMessage,
	})
	r.log.Error("task %s: %v", task.ID, err)
	return err
}
