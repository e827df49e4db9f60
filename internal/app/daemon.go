package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/arkilian/tidelake/internal/compact"
	"github.com/arkilian/tidelake/internal/config"
	"github.com/arkilian/tidelake/internal/metrics"
	"github.com/arkilian/tidelake/internal/snapshot"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/table"
	"github.com/arkilian/tidelake/internal/txlog"
)

// Daemon periodically optimizes and vacuums the configured tables.
// Tables are processed in parallel up to the backpressure controller's
// current concurrency; each table runs optimize then vacuum serially
// under a per-table lock so a manual trigger cannot overlap a cycle.
type Daemon struct {
	cfg      *config.Config
	store    storage.ObjectStorage
	registry *snapshot.Registry
	bp       *BackpressureController

	handlesMu sync.Mutex
	handles   map[string]*table.Table
	locks     map[string]*sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a maintenance daemon over the given shared storage
// and snapshot registry.
func NewDaemon(cfg *config.Config, store storage.ObjectStorage, registry *snapshot.Registry) *Daemon {
	return &Daemon{
		cfg:      cfg,
		store:    store,
		registry: registry,
		bp:       NewBackpressureController(cfg.Maintenance.Backpressure),
		handles:  make(map[string]*table.Table),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Start launches the background maintenance loop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("app: maintenance daemon is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	d.mu.Unlock()

	go d.run(ctx)
	log.Printf("app: maintenance daemon started: %d table(s), interval %s",
		len(d.cfg.Maintenance.Tables), d.cfg.Maintenance.CheckInterval)
	return nil
}

// Stop halts the maintenance loop and waits for the current cycle to
// wind down.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.cancel()
	<-d.done
	d.running = false
	log.Printf("app: maintenance daemon stopped")
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	// First cycle immediately, then on the ticker.
	d.RunOnce(ctx)

	ticker := time.NewTicker(d.cfg.Maintenance.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// Tables returns the roots of the tables under maintenance.
func (d *Daemon) Tables() []string {
	roots := make([]string, 0, len(d.cfg.Maintenance.Tables))
	for _, spec := range d.cfg.Maintenance.Tables {
		roots = append(roots, spec.Root)
	}
	return roots
}

// RunOnce performs a single maintenance cycle over every configured
// table. Failures are logged per table and never abort the cycle.
func (d *Daemon) RunOnce(ctx context.Context) {
	specs := d.cfg.Maintenance.Tables
	if len(specs) == 0 || ctx.Err() != nil {
		return
	}

	d.bp.AdjustConcurrency()
	if d.bp.ShouldPause(len(specs)) {
		log.Printf("[WARN] app: maintenance cycle paused: failure rate %.0f%% over the last window",
			d.bp.FailureRate()*100)
		return
	}

	sem := semaphore.NewWeighted(int64(d.bp.Concurrency()))
	var wg sync.WaitGroup
	for i := range specs {
		spec := specs[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if err := d.maintainTable(ctx, spec); err != nil {
				log.Printf("app: maintenance of %s failed: %v", spec.Root, err)
			}
		}()
	}
	wg.Wait()
}

// RunTable runs one maintenance pass for a single configured table.
// Used by the manual trigger endpoint.
func (d *Daemon) RunTable(ctx context.Context, root string) error {
	for _, spec := range d.cfg.Maintenance.Tables {
		if spec.Root == root {
			return d.maintainTable(ctx, spec)
		}
	}
	return fmt.Errorf("app: table %s is not under maintenance", root)
}

// maintainTable runs optimize then vacuum for one table and feeds the
// outcomes into metrics and the backpressure controller. Vacuum safety
// violations are reported through metrics but do not count as failures;
// they indicate an unsafe deletion was prevented, not that the store is
// struggling.
func (d *Daemon) maintainTable(ctx context.Context, spec config.TableSpec) error {
	lock := d.lockFor(spec.Root)
	lock.Lock()
	defer lock.Unlock()

	tbl, err := d.handle(ctx, spec.Root)
	if err != nil {
		d.bp.RecordFailure()
		return err
	}

	m := d.cfg.Maintenance

	start := time.Now()
	rep, err := tbl.Optimize(ctx, compact.Options{
		ZOrderBy:             spec.ZOrderBy,
		SmallFileBytes:       int64(m.SmallFileMB) << 20,
		MaxFilesPerPartition: m.MaxFilesPerPartition,
		TargetFileBytes:      int64(m.TargetFileMB) << 20,
	})
	if err != nil {
		d.bp.RecordFailure()
		metrics.RecordMaintenance(spec.Root, "optimize", "error", time.Since(start))
		return fmt.Errorf("optimize %s: %w", spec.Root, err)
	}
	d.bp.RecordSuccess()
	metrics.RecordMaintenance(spec.Root, "optimize", "success", time.Since(start))
	metrics.RecordCompaction(spec.Root, rep.FilesIn, rep.FilesOut, rep.BytesIn, rep.GroupsSkipped)
	metrics.SetTableVersion(spec.Root, rep.Version)
	if rep.GroupsCompacted > 0 {
		log.Printf("app: %s: compacted %d group(s), %d -> %d file(s)",
			spec.Root, rep.GroupsCompacted, rep.FilesIn, rep.FilesOut)
	}

	start = time.Now()
	vrep, err := tbl.Vacuum(ctx, m.Retention)
	if err != nil {
		d.bp.RecordFailure()
		metrics.RecordMaintenance(spec.Root, "vacuum", "error", time.Since(start))
		return fmt.Errorf("vacuum %s: %w", spec.Root, err)
	}
	d.bp.RecordSuccess()
	metrics.RecordMaintenance(spec.Root, "vacuum", "success", time.Since(start))
	metrics.RecordVacuum(spec.Root, vrep.FilesDeleted+vrep.OrphansDeleted, vrep.BytesReclaimed, len(vrep.Violations))
	metrics.SetTableVersion(spec.Root, vrep.HeadVersion)
	for _, v := range vrep.Violations {
		log.Printf("[WARN] app: %s: vacuum safety violation: %s", spec.Root, v)
	}
	if deleted := vrep.FilesDeleted + vrep.OrphansDeleted; deleted > 0 {
		log.Printf("app: %s: vacuum reclaimed %d file(s), %d bytes",
			spec.Root, deleted, vrep.BytesReclaimed)
	}
	return nil
}

// handle returns a cached table handle, opening it on first use. All
// handles share the daemon's storage, scratch dir and reader registry.
func (d *Daemon) handle(ctx context.Context, root string) (*table.Table, error) {
	d.handlesMu.Lock()
	defer d.handlesMu.Unlock()
	if tbl, ok := d.handles[root]; ok {
		return tbl, nil
	}
	tbl, err := table.Open(ctx, d.engineConfig(), root)
	if err != nil {
		return nil, err
	}
	d.handles[root] = tbl
	return tbl, nil
}

// lockFor returns the per-table maintenance lock.
func (d *Daemon) lockFor(root string) *sync.Mutex {
	d.handlesMu.Lock()
	defer d.handlesMu.Unlock()
	if l, ok := d.locks[root]; ok {
		return l
	}
	l := &sync.Mutex{}
	d.locks[root] = l
	return l
}

// engineConfig builds the table configuration shared by every handle.
func (d *Daemon) engineConfig() table.Config {
	policy, _ := txlog.PolicyByName(d.cfg.Table.ConflictPolicy)
	return table.Config{
		Store:              d.store,
		ScratchDir:         d.cfg.ScratchDir,
		MaxRowsPerFile:     d.cfg.Table.MaxRowsPerFile,
		CheckpointInterval: d.cfg.Table.CheckpointInterval,
		CommitRetries:      d.cfg.Table.CommitRetries,
		ConflictPolicy:     policy,
		Registry:           d.registry,
	}
}

// BackpressureStats exposes the controller's current state for
// observability.
func (d *Daemon) BackpressureStats() BackpressureStats {
	return d.bp.Stats()
}
