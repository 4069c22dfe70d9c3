package fetchlib

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
)

// SourceDescriptor identifies the remote bytes of one message's media.
type SourceDescriptor struct {
	ResourceKey     string
	SourceMessageID int64
	// Ref is the provider-specific media handle (Media.Ref).
	Ref string
	// Size is the expected byte size, zero when unknown.
	Size int64
}

// ProgressFunc is invoked by a provider as bytes arrive. Returning a
// non-nil error aborts the transfer; this is the cooperative cancellation
// point for active jobs.
type ProgressFunc func(current, total int64) error

// Provider is the external message source. Implementations wrap the actual
// network client, which is outside the engine's scope.
type Provider interface {
	// FetchRecent pulls the most recent message batch for a resource.
	FetchRecent(ctx context.Context, resourceKey string, limit int) ([]*Message, error)

	// Transfer fetches the media identified by src into destination on fs,
	// calling onProgress as bytes arrive. A rate-limit condition must be
	// surfaced as a *RateLimitError rather than a generic failure.
	Transfer(ctx context.Context, fs afero.Fs, src SourceDescriptor, destination string, onProgress ProgressFunc) error
}

// RateLimitError is the provider's backoff signal: the job is requeued
// after RetryAfter instead of being failed.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by source, retry after %s", e.RetryAfter)
}

// Notifier is the best-effort event bus contract. Publish failures must
// never abort the calling pipeline, so the interface has no error return.
type Notifier interface {
	Publish(method string, params any)
}

// NopNotifier discards all events. Useful for tests and headless runs.
type NopNotifier struct{}

// Publish discards the event.
func (NopNotifier) Publish(method string, params any) {}

var _ Notifier = NopNotifier{}
