package fetchlib

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/chanfetch/chanfetch/pkg/logger"
)

// JobState is the internal lifecycle of one transfer job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobDone      JobState = "done"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobFailed || s == JobCancelled
}

// DownloadStatus is the observable per-resource status vocabulary exposed
// to callers, broader than JobState because it also covers items the
// coordinator no longer holds.
type DownloadStatus string

const (
	StatusNotDownloaded DownloadStatus = "not_downloaded"
	StatusDownloading   DownloadStatus = "downloading"
	StatusDownloaded    DownloadStatus = "downloaded"
	StatusFailed        DownloadStatus = "failed"
	StatusCancelled     DownloadStatus = "cancelled"
	// StatusFileMissing means the record says downloaded but the bytes are
	// gone from disk. A reconciliation case, not a crash.
	StatusFileMissing DownloadStatus = "file_missing"
)

// Job is one in-flight transfer of a single message's media. Jobs are
// created by Submit and destroyed on reaching a terminal state; they never
// outlive a single transfer attempt.
type Job struct {
	Key         string
	Destination string
	Source      SourceDescriptor
	Tracker     *ProgressTracker

	mu        sync.Mutex
	state     JobState
	err       error
	startedAt time.Time
	cancelled atomic.Bool
	done      chan struct{}
}

func newJob(key, destination string, src SourceDescriptor, tracker *ProgressTracker) *Job {
	return &Job{
		Key:         key,
		Destination: destination,
		Source:      src,
		Tracker:     tracker,
		state:       JobQueued,
		done:        make(chan struct{}),
	}
}

// State returns the job's current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the terminal error of a failed job, nil otherwise.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// StartedAt returns the instant the transfer went active, zero if it never did.
func (j *Job) StartedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel sets the cooperative cancellation flag. It is consulted before
// dequeue and inside the progress callback of an active transfer.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
}

func (j *Job) setActive(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = JobActive
	j.startedAt = now
}

func (j *Job) setQueued() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = JobQueued
}

// finish moves the job to a terminal state exactly once.
func (j *Job) finish(state JobState, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = state
	j.err = err
	close(j.done)
}

// CoordinatorConfig holds tunables of the download coordinator.
type CoordinatorConfig struct {
	// TransferTimeout bounds one transfer's wall-clock time.
	// Zero selects DefaultTransferTimeout.
	TransferTimeout time.Duration
	// FlushInterval throttles per-job progress flushes.
	// Zero selects DefaultFlushInterval.
	FlushInterval time.Duration
}

// DefaultTransferTimeout bounds a single media transfer.
const DefaultTransferTimeout = 10 * time.Minute

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = DefaultTransferTimeout
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// ProgressSink receives throttled progress snapshots for in-flight jobs.
// Implementations persist and notify; they must not block for long since
// they run on the transfer path.
type ProgressSink func(job *Job, snap ProgressSnapshot)

// Coordinator is the single-flight job queue. It guarantees at most one
// queued-or-active job per resource key, and drains the queue with one
// dedicated worker so transfers run strictly serially. Serial execution is
// deliberate: it respects source rate limits and avoids destination write
// races.
type Coordinator struct {
	cfg      CoordinatorConfig
	provider Provider
	fs       afero.Fs
	log      logger.Logger
	sink     ProgressSink

	inflight *VMap[string, *Job]

	mu    sync.Mutex
	queue []*Job
	wake  chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// NewCoordinator creates a coordinator. sink may be nil.
func NewCoordinator(cfg CoordinatorConfig, provider Provider, fs afero.Fs, l logger.Logger, sink ProgressSink) *Coordinator {
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		provider: provider,
		fs:       fs,
		log:      l,
		sink:     sink,
		inflight: NewVMap[string, *Job](),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the worker goroutine. The worker exits when ctx is
// cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.work()
}

// Stop terminates the worker and waits for the in-flight transfer, if any,
// to observe cancellation.
func (c *Coordinator) Stop() {
	if !c.started.Load() || c.cancel == nil {
		return
	}
	c.stopped.Store(true)
	c.cancel()
	c.wg.Wait()
}

// Submit enqueues a transfer for the given key. A second submit for a key
// that is already queued or active returns ErrAlreadyInProgress without
// creating a duplicate job; the check and the claim are atomic against the
// same guarded map.
func (c *Coordinator) Submit(key, destination string, src SourceDescriptor) (*Job, error) {
	// A job accepted after Stop would never be drained and its key claim
	// would leak, so a stopped coordinator rejects submits outright.
	if !c.started.Load() || c.stopped.Load() {
		return nil, ErrCoordinatorStopped
	}
	job := newJob(key, destination, src, nil)
	job.Tracker = NewProgressTracker(c.cfg.FlushInterval, c.flushFunc(job))
	if !c.inflight.SetIfAbsent(key, job) {
		return nil, ErrAlreadyInProgress
	}
	c.enqueue(job)
	return job, nil
}

func (c *Coordinator) flushFunc(job *Job) FlushFunc {
	if c.sink == nil {
		return nil
	}
	return func(snap ProgressSnapshot) {
		c.sink(job, snap)
	}
}

// Cancel flags the job for the given key. Queued jobs are dropped silently
// at dequeue; an active transfer aborts at its next progress callback and
// its partial output is removed. Unknown keys are a no-op.
func (c *Coordinator) Cancel(key string) {
	if job, ok := c.inflight.GetOK(key); ok {
		job.Cancel()
	}
}

// Job returns the in-flight job for a key, if any.
func (c *Coordinator) Job(key string) (*Job, bool) {
	return c.inflight.GetOK(key)
}

// InflightCount returns the number of queued or active jobs.
func (c *Coordinator) InflightCount() int {
	return c.inflight.Len()
}

func (c *Coordinator) enqueue(job *Job) {
	c.mu.Lock()
	c.queue = append(c.queue, job)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) dequeue() *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	job := c.queue[0]
	c.queue = c.queue[1:]
	return job
}

func (c *Coordinator) work() {
	defer c.wg.Done()
	for {
		job := c.dequeue()
		if job == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		if job.cancelled.Load() {
			c.settle(job, JobCancelled, nil)
			continue
		}
		c.transfer(job)
	}
}

// transfer runs one job to completion, requeue, or a terminal state.
func (c *Coordinator) transfer(job *Job) {
	job.setActive(time.Now())

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.TransferTimeout)
	defer cancel()

	onProgress := func(current, total int64) error {
		if job.cancelled.Load() {
			return ErrTransferCancelled
		}
		job.Tracker.Update(current, total)
		return nil
	}

	err := c.provider.Transfer(ctx, c.fs, job.Source, job.Destination, onProgress)

	var rl *RateLimitError
	switch {
	case err == nil:
		c.settle(job, JobDone, nil)

	case errors.Is(err, ErrTransferCancelled) || job.cancelled.Load():
		c.removePartial(job)
		c.settle(job, JobCancelled, nil)

	case errors.As(err, &rl):
		c.log.Warning("transfer %s rate limited, requeueing in %s", job.Key, rl.RetryAfter)
		c.park(job, rl.RetryAfter)

	case ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded):
		c.removePartial(job)
		c.settle(job, JobFailed, ErrTransferTimeout)

	default:
		c.removePartial(job)
		c.settle(job, JobFailed, err)
	}
}

// park requeues a rate-limited job after the indicated delay. The inflight
// entry is kept so the key stays claimed while the job waits.
func (c *Coordinator) park(job *Job, delay time.Duration) {
	job.setQueued()
	safeGo(c.log, nil, "coordinator.park", func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.enqueue(job)
		case <-c.ctx.Done():
		}
	})
}

func (c *Coordinator) settle(job *Job, state JobState, err error) {
	if err != nil {
		c.log.Error("transfer %s failed: %v", job.Key, err)
	}
	job.finish(state, err)
	c.inflight.Delete(job.Key)
}

// removePartial deletes partial destination output after a failed or
// cancelled transfer.
func (c *Coordinator) removePartial(job *Job) {
	exists, err := afero.Exists(c.fs, job.Destination)
	if err != nil || !exists {
		return
	}
	if err := c.fs.Remove(job.Destination); err != nil {
		c.log.Warning("could not remove partial file %s: %v", job.Destination, err)
	}
}
