// Package vacuum reclaims physical storage outside the retention
// window: data files logically removed before the cutoff, and
// never-committed orphans older than it. It is the only component that
// deletes anything, so every ambiguity about table state downgrades the
// run to reporting instead of deleting.
package vacuum

import (
	"context"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/snapshot"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/txlog"
)

// DefaultRetention is the seven-day window the maintenance tools use
// when no retention is configured. Run takes whatever it is given;
// zero means reclaim immediately.
const DefaultRetention = 168 * time.Hour

// Config carries the fixed wiring for a Manager. All fields are
// optional.
type Config struct {
	// Registry is the in-process reader registry. Files pinned by a
	// live lease are skipped no matter how old they are.
	Registry *snapshot.Registry

	// ScratchDir, when set, names the same staging directory the
	// rewrite path uses; local cached copies of deleted objects are
	// evicted from it.
	ScratchDir string

	// Now supplies the clock. Defaults to time.Now.
	Now func() time.Time
}

// Report summarizes one vacuum run. A run with Violations deleted
// nothing tracked by the affected state; callers should treat it as a
// signal to inspect the log, not retry in a loop.
type Report struct {
	// Cutoff is the retention boundary: history at or after it stays
	// reconstructible.
	Cutoff time.Time

	// HeadVersion is the latest version at the time the run started.
	HeadVersion uint64

	// RetainedVersions counts the versions whose active file sets were
	// protected.
	RetainedVersions int

	// FilesDeleted counts tracked data files physically removed.
	FilesDeleted int

	// OrphansDeleted counts unreferenced uploads physically removed.
	OrphansDeleted int

	// BytesReclaimed totals the sizes of everything deleted.
	BytesReclaimed int64

	// SkippedInUse counts deletable files left alone because a reader
	// lease pinned them.
	SkippedInUse int

	// Violations lists the safety problems that stopped deletion.
	Violations []string

	// EarliestIntactVersion is the watermark after the run.
	EarliestIntactVersion uint64
}

// Manager deletes expired files for one table. Not safe for concurrent
// use; concurrent commits are safe because candidates are gated on
// being older than the cutoff.
type Manager struct {
	log      *txlog.Log
	store    storage.ObjectStorage
	builder  *snapshot.Builder
	registry *snapshot.Registry
	fetcher  *storage.Fetcher
	now      func() time.Time
}

// NewManager creates a vacuum manager over the given table log.
func NewManager(l *txlog.Log, cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	var fetcher *storage.Fetcher
	if cfg.ScratchDir != "" {
		fetcher = storage.NewFetcher(l.Store(), 1, filepath.Join(cfg.ScratchDir, "sources"))
	}
	return &Manager{
		log:      l,
		store:    l.Store(),
		builder:  snapshot.NewBuilder(l),
		registry: cfg.Registry,
		fetcher:  fetcher,
		now:      now,
	}
}

// Run deletes every data file that no retained version references,
// provided it was logically removed before the cutoff, plus orphan
// uploads older than the cutoff. Retained versions are the latest one
// and every version committed at or after the cutoff. Zero retention
// places the cutoff at now: everything the head no longer references
// is reclaimed immediately.
func (m *Manager) Run(ctx context.Context, retention time.Duration) (*Report, error) {
	if retention < 0 {
		return nil, errors.Newf(errors.ErrCategoryConfig, errors.CodeInvalidConfig,
			"negative retention %s", retention)
	}
	cutoff := m.now().Add(-retention)
	cutoffMs := cutoff.UnixMilli()
	report := &Report{Cutoff: cutoff}

	exists, err := m.log.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Newf(errors.ErrCategorySnapshot, errors.CodeTableNotFound,
			"no table at %s", m.log.TableRoot())
	}

	wm, err := txlog.LoadWatermark(ctx, m.store, m.log.TableRoot())
	if err != nil {
		return nil, err
	}
	var floor uint64
	if wm != nil {
		floor = wm.EarliestIntactVersion
		report.EarliestIntactVersion = floor
	}

	versions, err := m.log.ListVersions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, errors.Newf(errors.ErrCategorySnapshot, errors.CodeTableNotFound,
			"no table at %s", m.log.TableRoot())
	}
	head := versions[len(versions)-1]
	report.HeadVersion = head
	if versions[0] != 0 || uint64(len(versions)) != head+1 {
		return m.abort(report, fmt.Sprintf("log has %d entries for head %d; version gap", len(versions), head))
	}

	entries := make([]*txlog.Entry, head+1)
	for _, v := range versions {
		entry, err := m.log.Read(ctx, v)
		if err != nil {
			if replayBlocked(err) {
				return m.abort(report, fmt.Sprintf("entry %d unreadable: %v", v, err))
			}
			return nil, err
		}
		entries[v] = entry
	}

	// Versions committed inside the window keep their whole file set,
	// and the head always does.
	retained := map[uint64]bool{head: true}
	for _, e := range entries {
		if e.TimestampMs >= cutoffMs {
			retained[e.Version] = true
		}
	}
	report.RetainedVersions = len(retained)

	minRetained := head
	for v := range retained {
		if v < minRetained {
			minRetained = v
		}
	}
	if minRetained < floor {
		// Already expired; its file set cannot be reconstructed and no
		// deletion decision may depend on it.
		minRetained = floor
	}

	seed, err := m.builder.LoadVersion(ctx, minRetained)
	if err != nil {
		if replayBlocked(err) {
			return m.abort(report, fmt.Sprintf("cannot reconstruct version %d: %v", minRetained, err))
		}
		return nil, err
	}

	active := make(map[string]bool, len(seed.Files))
	for _, f := range seed.Files {
		active[f.Path] = true
	}
	protected := make(map[string]bool)
	mergeActive := func() {
		for p := range active {
			protected[p] = true
		}
	}
	if retained[minRetained] {
		mergeActive()
	}
	for v := minRetained + 1; v <= head; v++ {
		for i := range entries[v].Removes {
			delete(active, entries[v].Removes[i].Path)
		}
		for i := range entries[v].Adds {
			active[entries[v].Adds[i].Path] = true
		}
		if retained[v] {
			mergeActive()
		}
	}

	// Tracked candidates: removed before the cutoff and outside every
	// retained file set. referenced collects everything the log has
	// ever named, for the orphan sweep below.
	type candidate struct {
		ref           txlog.FileRef
		removeVersion uint64
	}
	var candidates []candidate
	referenced := make(map[string]bool)
	for _, e := range entries {
		for i := range e.Adds {
			referenced[e.Adds[i].Path] = true
		}
		for i := range e.Removes {
			referenced[e.Removes[i].Path] = true
		}
		if e.TimestampMs >= cutoffMs {
			continue
		}
		for i := range e.Removes {
			if protected[e.Removes[i].Path] {
				continue
			}
			candidates = append(candidates, candidate{ref: e.Removes[i], removeVersion: e.Version})
		}
	}

	var maxRemoveVersion uint64
	for _, c := range candidates {
		if m.registry != nil && m.registry.InUse(c.ref.Path) {
			report.SkippedInUse++
			continue
		}
		obj := path.Join(m.log.TableRoot(), c.ref.Path)
		present, err := m.store.Exists(ctx, obj)
		if err != nil {
			return report, errors.NewStorageError(fmt.Sprintf("stat %s", obj), err)
		}
		if !present {
			// Reclaimed by an earlier run that was interrupted before
			// it advanced the watermark.
			continue
		}
		if err := m.store.Delete(ctx, obj); err != nil {
			return report, errors.NewStorageError(fmt.Sprintf("delete %s", obj), err)
		}
		if m.fetcher != nil {
			m.fetcher.Evict(obj)
		}
		report.FilesDeleted++
		report.BytesReclaimed += c.ref.ByteSize
		if c.removeVersion > maxRemoveVersion {
			maxRemoveVersion = c.removeVersion
		}
	}

	// Orphan sweep: physical objects the log has never named, old
	// enough that no in-flight writer can still be about to commit
	// them.
	objects, err := m.store.List(ctx, txlog.DataDir(m.log.TableRoot())+"/")
	if err != nil {
		return report, err
	}
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Path, m.log.TableRoot()+"/")
		if referenced[rel] {
			continue
		}
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if m.registry != nil && m.registry.InUse(rel) {
			report.SkippedInUse++
			continue
		}
		if err := m.store.Delete(ctx, obj.Path); err != nil {
			return report, errors.NewStorageError(fmt.Sprintf("delete orphan %s", obj.Path), err)
		}
		if m.fetcher != nil {
			m.fetcher.Evict(obj.Path)
		}
		report.OrphansDeleted++
		report.BytesReclaimed += obj.Size
	}

	if maxRemoveVersion > floor {
		w := &txlog.Watermark{
			EarliestIntactVersion: maxRemoveVersion,
			UpdatedAtMs:           m.now().UnixMilli(),
		}
		if err := txlog.SaveWatermark(ctx, m.store, m.log.TableRoot(), w); err != nil {
			return report, err
		}
		report.EarliestIntactVersion = maxRemoveVersion
	}

	log.Printf("vacuum: %s@%d: deleted %d tracked + %d orphan file(s), %d bytes, %d in use, watermark %d",
		m.log.TableRoot(), head, report.FilesDeleted, report.OrphansDeleted,
		report.BytesReclaimed, report.SkippedInUse, report.EarliestIntactVersion)
	return report, nil
}

// abort records a safety violation and returns without deleting. The
// run itself is not an error: the table is readable, just not safely
// vacuumable until the log is repaired.
func (m *Manager) abort(report *Report, msg string) (*Report, error) {
	report.Violations = append(report.Violations, msg)
	log.Printf("[WARN] vacuum: %s: %s; nothing deleted", m.log.TableRoot(), msg)
	return report, nil
}

// replayBlocked reports whether an error means table state cannot be
// reconstructed, as opposed to a transient storage failure.
func replayBlocked(err error) bool {
	switch errors.GetCode(err) {
	case errors.CodeCorruptLogEntry, errors.CodeVersionNotFound, errors.CodeVersionExpired:
		return true
	}
	return false
}
