package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/chanfetch/chanfetch/internal/store"
	"github.com/chanfetch/chanfetch/pkg/fetchlib"
)

// Custom JSON-RPC error codes for control operations.
const (
	codeTaskNotFound   = jrpc2.Code(-32001)
	codeTaskNotRunning = jrpc2.Code(-32002)
	codeInvalidParams  = jrpc2.Code(-32602)
)

// TaskSummary is one entry in the task.list response.
type TaskSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ResourceKey     string `json:"resourceKey"`
	Status          string `json:"status"`
	IsActive        bool   `json:"isActive"`
	RunCount        int    `json:"runCount"`
	NextRunAt       string `json:"nextRunAt,omitempty"`
	Percent         int    `json:"percent"`
	TotalItems      int    `json:"totalItems"`
	DownloadedItems int    `json:"downloadedItems"`
	Error           string `json:"error,omitempty"`
}

// TaskParam is a common input carrying just a task id.
type TaskParam struct {
	ID string `json:"id"`
}

// JobStatusParams identifies one message's transfer.
type JobStatusParams struct {
	ResourceKey     string `json:"resourceKey"`
	SourceMessageID int64  `json:"sourceMessageId"`
}

// JobStatusResult is the response for job.status.
type JobStatusResult struct {
	Key         string `json:"key"`
	Status      string `json:"status"`
	Destination string `json:"destination,omitempty"`
	Percent     int    `json:"percent"`
	// Speed is a human-readable rate such as "1.2 MB/s", empty when idle.
	Speed      string `json:"speed,omitempty"`
	EtaSeconds int64  `json:"etaSeconds,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EmptyResult is a placeholder for methods that return no data.
type EmptyResult struct{}

func (s *Server) taskList(_ context.Context) ([]TaskSummary, error) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		return nil, err
	}
	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, summarize(t))
	}
	return out, nil
}

func (s *Server) taskStatus(_ context.Context, p *TaskParam) (*TaskSummary, error) {
	if p.ID == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: id"}
	}
	t, err := s.store.GetTask(p.ID)
	if errors.Is(err, store.ErrTaskNotFound) {
		return nil, &jrpc2.Error{Code: codeTaskNotFound, Message: "no task with id " + p.ID}
	}
	if err != nil {
		return nil, err
	}
	sum := summarize(t)
	return &sum, nil
}

func (s *Server) taskCancel(_ context.Context, p *TaskParam) (*EmptyResult, error) {
	if p.ID == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: id"}
	}
	if err := s.runner.Cancel(p.ID); err != nil {
		if errors.Is(err, fetchlib.ErrTaskNotRunning) {
			return nil, &jrpc2.Error{Code: codeTaskNotRunning, Message: "task is not running"}
		}
		return nil, err
	}
	return &EmptyResult{}, nil
}

// jobStatus resolves the observable status of one message's media:
// in-flight jobs report live progress; settled items come from the
// download record, reconciled against the filesystem.
func (s *Server) jobStatus(_ context.Context, p *JobStatusParams) (*JobStatusResult, error) {
	if p.ResourceKey == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: resourceKey"}
	}
	key := fetchlib.JobKey(p.ResourceKey, p.SourceMessageID)

	if job, ok := s.coord.Job(key); ok {
		snap := job.Tracker.Snapshot()
		res := &JobStatusResult{
			Key:         key,
			Status:      string(fetchlib.StatusDownloading),
			Destination: job.Destination,
			Percent:     snap.Percent,
			EtaSeconds:  int64(snap.ETA.Seconds()),
		}
		if snap.Speed > 0 {
			res.Speed = fmt.Sprintf("%s/s", humanize.Bytes(uint64(snap.Speed)))
		}
		return res, nil
	}

	rec, err := s.store.GetDownload(p.ResourceKey, p.SourceMessageID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &JobStatusResult{Key: key, Status: string(fetchlib.StatusNotDownloaded)}, nil
	}

	status := rec.Status
	if status == fetchlib.StatusDownloaded {
		exists, err := afero.Exists(s.fs, rec.Destination)
		if err == nil && !exists {
			status = fetchlib.StatusFileMissing
		}
	}
	return &JobStatusResult{
		Key:         key,
		Status:      string(status),
		Destination: rec.Destination,
		Error:       rec.Error,
	}, nil
}

func summarize(t *fetchlib.Task) TaskSummary {
	sum := TaskSummary{
		ID:              t.ID,
		Name:            t.Name,
		ResourceKey:     t.ResourceKey,
		Status:          string(t.Status),
		IsActive:        t.IsActive,
		RunCount:        t.RunCount,
		Percent:         t.Progress.Percent,
		TotalItems:      t.Progress.TotalItems,
		DownloadedItems: t.Progress.DownloadedItems,
		Error:           t.ErrorMessage,
	}
	if t.NextRunAt != nil {
		sum.NextRunAt = t.NextRunAt.UTC().Format(time.RFC3339)
	}
	return sum
}
