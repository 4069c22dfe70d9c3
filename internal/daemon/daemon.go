// Package daemon owns the lifecycle of the chanfetch service: it wires the
// store, the download coordinator, the task runner, the background loops and
// the control server, and tears them down gracefully.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/chanfetch/chanfetch/common"
	"github.com/chanfetch/chanfetch/internal/notify"
	"github.com/chanfetch/chanfetch/internal/scheduler"
	"github.com/chanfetch/chanfetch/internal/server"
	"github.com/chanfetch/chanfetch/internal/store"
	"github.com/chanfetch/chanfetch/internal/syncer"
	"github.com/chanfetch/chanfetch/pkg/fetchlib"
	"github.com/chanfetch/chanfetch/pkg/logger"
)

// Sentinel errors for the daemon runner.
var (
	// ErrAlreadyRunning is returned when Start is called on a running daemon.
	ErrAlreadyRunning = errors.New("daemon is already running")

	// ErrNotRunning is returned when Shutdown is called on a stopped daemon.
	ErrNotRunning = errors.New("daemon is not running")

	// ErrNoProvider is returned when no source provider was supplied.
	ErrNoProvider = errors.New("no source provider configured")
)

// Config holds the daemon configuration.
type Config struct {
	// DBPath is the SQLite database location.
	DBPath string

	// MediaDir is the root destination directory for downloaded media.
	MediaDir string

	// ListenAddr is the control server address, e.g. "127.0.0.1:9760".
	// Empty disables the control server.
	ListenAddr string

	// SchedulerInterval is the due-task polling cadence.
	SchedulerInterval time.Duration

	// SyncBatchLimit caps one message batch pulled per sync cycle.
	SyncBatchLimit int

	// TransferTimeout bounds one media transfer's wall-clock time.
	TransferTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = scheduler.DefaultPollInterval
	}
	if c.SyncBatchLimit <= 0 {
		c.SyncBatchLimit = syncer.DefaultBatchLimit
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = fetchlib.DefaultTransferTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	return c
}

// Dependencies holds the injectable collaborators of the daemon.
type Dependencies struct {
	// Provider reaches the external message source. Required.
	Provider fetchlib.Provider

	// FS is the destination filesystem. Defaults to the OS filesystem.
	FS afero.Fs

	// Logger receives daemon logs. Defaults to a nop logger.
	Logger logger.Logger
}

// Daemon wires and supervises all chanfetch components.
type Daemon struct {
	cfg  Config
	deps Dependencies
	log  logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	store *store.Store
	coord *fetchlib.Coordinator
	run   *fetchlib.Runner
	sched *scheduler.Scheduler
	sync  *syncer.Poller
	srv   *server.Server
	rpcN  *notify.RPCNotifier
}

// New creates a daemon from config and dependencies.
func New(cfg Config, deps Dependencies) (*Daemon, error) {
	if deps.Provider == nil {
		return nil, ErrNoProvider
	}
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNopLogger()
	}
	return &Daemon{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  deps.Logger,
	}, nil
}

// Start opens the store and launches every component. It returns once
// everything is running.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}

	st, err := store.Open(d.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.rpcN = notify.New(d.log)

	d.coord = fetchlib.NewCoordinator(
		fetchlib.CoordinatorConfig{TransferTimeout: d.cfg.TransferTimeout},
		d.deps.Provider, d.deps.FS, d.log, d.progressSink(),
	)
	d.coord.Start(runCtx)

	d.run = fetchlib.NewRunner(st, d.coord, d.rpcN, d.log, d.cfg.MediaDir)

	d.sched = scheduler.New(st, d.run, d.log, d.cfg.SchedulerInterval)
	d.sched.Start(runCtx)

	d.sync = syncer.New(st, d.deps.Provider, d.rpcN, d.log, d.cfg.SyncBatchLimit)
	resources, err := st.SubscribedResources()
	if err != nil {
		cancel()
		st.Close()
		return fmt.Errorf("load resources: %w", err)
	}
	subs := make([]syncer.Resource, 0, len(resources))
	for _, r := range resources {
		subs = append(subs, syncer.Resource{Key: r.Key, PollInterval: r.PollInterval})
	}
	d.sync.Start(runCtx, subs)

	if d.cfg.ListenAddr != "" {
		d.srv = server.New(d.cfg.ListenAddr, st, d.run, d.coord, d.deps.FS, d.rpcN, d.log)
		if err := d.srv.Start(runCtx); err != nil {
			cancel()
			st.Close()
			return fmt.Errorf("start control server: %w", err)
		}
	}

	d.running = true
	d.log.Info("daemon started, media dir %s", d.cfg.MediaDir)
	return nil
}

// Shutdown stops every component and closes the store.
func (d *Daemon) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return ErrNotRunning
	}
	d.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	if d.srv != nil {
		if err := d.srv.Shutdown(ctx); err != nil {
			d.log.Warning("daemon: server shutdown: %v", err)
		}
	}
	d.coord.Stop()
	d.sync.Wait()
	select {
	case <-d.sched.Done():
	case <-ctx.Done():
	}

	err := d.store.Close()
	d.running = false
	d.log.Info("daemon stopped")
	return err
}

// progressSink persists throttled job progress and publishes it to
// connected clients.
func (d *Daemon) progressSink() fetchlib.ProgressSink {
	return func(job *fetchlib.Job, snap fetchlib.ProgressSnapshot) {
		src := job.Source
		if err := d.store.RecordProgress(src.ResourceKey, src.SourceMessageID, job.Destination, snap.Percent, snap.Speed); err != nil {
			d.log.Warning("daemon: persist progress %s: %v", job.Key, err)
		}
		var speed string
		if snap.Speed > 0 {
			speed = fmt.Sprintf("%s/s", humanize.Bytes(uint64(snap.Speed)))
		}
		d.rpcN.Publish(common.MethodJobProgress, common.JobProgressEvent{
			Key:        job.Key,
			Current:    snap.Current,
			Total:      snap.Total,
			Percent:    snap.Percent,
			Speed:      speed,
			EtaSeconds: int64(snap.ETA.Seconds()),
		})
	}
}
