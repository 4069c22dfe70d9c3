// Package common holds the event payload and method-name vocabulary shared
// between the engine, the notifier, and the control server.
package common

// Notification method names pushed to connected clients.
const (
	MethodTaskStarted  = "task.started"
	MethodTaskFinished = "task.finished"
	MethodJobProgress  = "job.progress"
	MethodJobDone      = "job.done"
	MethodSyncDelta    = "sync.delta"
)

// TaskStartedEvent is published when a task enters the running state.
type TaskStartedEvent struct {
	TaskID   string `json:"taskId"`
	TaskName string `json:"taskName"`
}

// TaskFinishedEvent is published when a task reaches a terminal state for
// this run (completed, failed, or paused via cancellation).
type TaskFinishedEvent struct {
	TaskID          string `json:"taskId"`
	TaskName        string `json:"taskName"`
	Status          string `json:"status"`
	TotalItems      int    `json:"totalItems"`
	DownloadedItems int    `json:"downloadedItems"`
	FailureCount    int    `json:"failureCount"`
	Error           string `json:"error,omitempty"`
}

// JobProgressEvent is a throttled progress sample of one transfer.
type JobProgressEvent struct {
	Key     string `json:"key"`
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Percent int    `json:"percent"`
	// Speed is a human-readable rate such as "1.2 MB/s".
	Speed      string `json:"speed"`
	EtaSeconds int64  `json:"etaSeconds"`
}

// JobDoneEvent is published when one transfer completes successfully.
type JobDoneEvent struct {
	Key         string `json:"key"`
	Destination string `json:"destination"`
	Size        int64  `json:"size"`
}

// SyncDeltaEvent reports newly ingested messages for a resource.
type SyncDeltaEvent struct {
	ResourceKey string `json:"resourceKey"`
	Inserted    int    `json:"inserted"`
}
