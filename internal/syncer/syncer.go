// Package syncer pulls recent message batches from the external source into
// the message store, one polling loop per subscribed resource.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/chanfetch/chanfetch/common"
	"github.com/chanfetch/chanfetch/pkg/fetchlib"
	"github.com/chanfetch/chanfetch/pkg/logger"
)

// Defaults for resource polling.
const (
	DefaultPollInterval = 5 * time.Minute
	DefaultBatchLimit   = 100
)

// MessageSink is the persistence surface the poller needs.
type MessageSink interface {
	UpsertMessages(resourceKey string, msgs []*fetchlib.Message) (int, error)
}

// Resource is one subscription the poller follows.
type Resource struct {
	Key          string
	PollInterval time.Duration
}

// Poller ingests new messages per subscribed resource. Ingestion is
// idempotent: re-pulling an identical batch inserts nothing.
type Poller struct {
	sink       MessageSink
	provider   fetchlib.Provider
	notify     fetchlib.Notifier
	log        logger.Logger
	batchLimit int

	wg sync.WaitGroup
}

// New creates a poller. notify may be nil; a non-positive batchLimit
// selects DefaultBatchLimit.
func New(sink MessageSink, provider fetchlib.Provider, notify fetchlib.Notifier, l logger.Logger, batchLimit int) *Poller {
	if notify == nil {
		notify = fetchlib.NopNotifier{}
	}
	if l == nil {
		l = logger.NewNopLogger()
	}
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	return &Poller{
		sink:       sink,
		provider:   provider,
		notify:     notify,
		log:        l,
		batchLimit: batchLimit,
	}
}

// Start launches one polling loop per resource. The loops exit when ctx is
// cancelled; Wait blocks until they have.
func (p *Poller) Start(ctx context.Context, resources []Resource) {
	for _, res := range resources {
		res := res
		if res.PollInterval <= 0 {
			res.PollInterval = DefaultPollInterval
		}
		p.wg.Add(1)
		go p.follow(ctx, res)
	}
}

// Wait blocks until all polling loops have exited.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) follow(ctx context.Context, res Resource) {
	defer p.wg.Done()
	ticker := time.NewTicker(res.PollInterval)
	defer ticker.Stop()

	p.Cycle(ctx, res.Key)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Cycle(ctx, res.Key)
		}
	}
}

// Cycle performs one pull-and-ingest pass for a resource. Errors are logged
// and never terminate the loop.
func (p *Poller) Cycle(ctx context.Context, resourceKey string) {
	msgs, err := p.provider.FetchRecent(ctx, resourceKey, p.batchLimit)
	if err != nil {
		p.log.Warning("syncer: fetch %s: %v", resourceKey, err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	inserted, err := p.sink.UpsertMessages(resourceKey, msgs)
	if err != nil {
		p.log.Error("syncer: ingest %s: %v", resourceKey, err)
		return
	}
	if inserted > 0 {
		p.log.Info("syncer: %s: %d new messages", resourceKey, inserted)
		p.notify.Publish(common.MethodSyncDelta, common.SyncDeltaEvent{
			ResourceKey: resourceKey,
			Inserted:    inserted,
		})
	}
}
