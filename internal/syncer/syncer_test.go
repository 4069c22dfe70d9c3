package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/chanfetch/chanfetch/common"
	"github.com/chanfetch/chanfetch/pkg/fetchlib"
	"github.com/chanfetch/chanfetch/pkg/logger"
)

type fakeFeed struct {
	mu      sync.Mutex
	batches map[string][]*fetchlib.Message
	err     error
	calls   int
}

func (f *fakeFeed) FetchRecent(_ context.Context, resourceKey string, limit int) ([]*fetchlib.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	batch := f.batches[resourceKey]
	if len(batch) > limit {
		batch = batch[:limit]
	}
	return batch, nil
}

func (f *fakeFeed) Transfer(context.Context, afero.Fs, fetchlib.SourceDescriptor, string, fetchlib.ProgressFunc) error {
	return errors.New("not implemented")
}

// dedupSink mimics the store's insert-or-ignore semantics in memory.
type dedupSink struct {
	mu   sync.Mutex
	seen map[string]map[int64]bool
	err  error
}

func newDedupSink() *dedupSink {
	return &dedupSink{seen: make(map[string]map[int64]bool)}
}

func (s *dedupSink) UpsertMessages(resourceKey string, msgs []*fetchlib.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if s.seen[resourceKey] == nil {
		s.seen[resourceKey] = make(map[int64]bool)
	}
	var inserted int
	for _, m := range msgs {
		if !s.seen[resourceKey][m.SourceMessageID] {
			s.seen[resourceKey][m.SourceMessageID] = true
			inserted++
		}
	}
	return inserted, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []common.SyncDeltaEvent
}

func (n *captureNotifier) Publish(method string, params any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if method == common.MethodSyncDelta {
		n.events = append(n.events, params.(common.SyncDeltaEvent))
	}
}

func feedMsg(id int64) *fetchlib.Message {
	return &fetchlib.Message{SourceMessageID: id, Text: "msg"}
}

func TestCycleIngestsAndNotifies(t *testing.T) {
	feed := &fakeFeed{batches: map[string][]*fetchlib.Message{
		"news": {feedMsg(1), feedMsg(2)},
	}}
	sink := newDedupSink()
	notifier := &captureNotifier{}
	p := New(sink, feed, notifier, logger.NewNopLogger(), 100)

	p.Cycle(context.Background(), "news")

	if len(sink.seen["news"]) != 2 {
		t.Fatalf("ingested %d messages, want 2", len(sink.seen["news"]))
	}
	if len(notifier.events) != 1 || notifier.events[0].Inserted != 2 || notifier.events[0].ResourceKey != "news" {
		t.Errorf("events = %+v", notifier.events)
	}
}

func TestCycleIdempotent(t *testing.T) {
	feed := &fakeFeed{batches: map[string][]*fetchlib.Message{
		"news": {feedMsg(1), feedMsg(2)},
	}}
	sink := newDedupSink()
	notifier := &captureNotifier{}
	p := New(sink, feed, notifier, logger.NewNopLogger(), 100)

	p.Cycle(context.Background(), "news")
	p.Cycle(context.Background(), "news")

	if len(sink.seen["news"]) != 2 {
		t.Fatalf("ingested %d messages after double cycle, want 2", len(sink.seen["news"]))
	}
	// No delta, no notification on the second pass.
	if len(notifier.events) != 1 {
		t.Errorf("got %d delta events, want 1", len(notifier.events))
	}
}

func TestCycleHonorsBatchLimit(t *testing.T) {
	feed := &fakeFeed{batches: map[string][]*fetchlib.Message{
		"news": {feedMsg(1), feedMsg(2), feedMsg(3)},
	}}
	sink := newDedupSink()
	p := New(sink, feed, nil, logger.NewNopLogger(), 2)

	p.Cycle(context.Background(), "news")
	if len(sink.seen["news"]) != 2 {
		t.Errorf("ingested %d messages, want batch limit of 2", len(sink.seen["news"]))
	}
}

func TestCycleSurvivesErrors(t *testing.T) {
	feed := &fakeFeed{err: errors.New("source unreachable")}
	sink := newDedupSink()
	log := logger.NewMockLogger()
	p := New(sink, feed, nil, log, 100)

	p.Cycle(context.Background(), "news")
	if len(log.Warnings()) == 0 {
		t.Error("fetch failure must be logged")
	}

	// Ingest failure is also non-fatal.
	feed.err = nil
	feed.batches = map[string][]*fetchlib.Message{"news": {feedMsg(1)}}
	sink.err = errors.New("db locked")
	p.Cycle(context.Background(), "news")

	sink.err = nil
	p.Cycle(context.Background(), "news")
	if len(sink.seen["news"]) != 1 {
		t.Errorf("poller must recover after an ingest failure")
	}
}
