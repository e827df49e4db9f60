package table

import (
	"context"
	"time"

	"github.com/arkilian/tidelake/internal/compact"
	"github.com/arkilian/tidelake/internal/vacuum"
)

// Optimize rewrites fragmented data files into fewer, larger ones,
// optionally clustered by a Z-order key. The rewrite changes layout
// only: every group's row multiset is checksum-verified against its
// sources before the group commits. Partitions contested by concurrent
// commits are skipped, not failed; the report counts them.
//
// Rewritten files honor the handle's MaxRowsPerFile and DigestColumns
// unless opts overrides them.
func (t *Table) Optimize(ctx context.Context, opts compact.Options) (*compact.Report, error) {
	if len(opts.DigestColumns) == 0 {
		opts.DigestColumns = t.cfg.DigestColumns
	}
	if opts.MaxRowsPerFile <= 0 {
		opts.MaxRowsPerFile = t.cfg.MaxRowsPerFile
	}

	opt := compact.NewOptimizer(t.log, compact.Config{
		ScratchDir:    t.cfg.ScratchDir,
		CommitRetries: t.cfg.CommitRetries,
		Policy:        t.cfg.ConflictPolicy,
		Now:           t.cfg.Now,
	})
	rep, err := opt.Run(ctx, opts)
	if err != nil {
		return rep, err
	}
	// Each group committed its own version; treat them like any other
	// run of commits for checkpoint purposes.
	for v := rep.BaseVersion + 1; v <= rep.Version; v++ {
		t.maybeCheckpoint(ctx, v)
	}
	return rep, nil
}

// Vacuum physically deletes data files no longer reachable from any
// version inside the retention window, plus orphaned uploads older than
// the cutoff. Files pinned by the handle's reader registry are skipped.
// Zero retention reclaims everything the head no longer references;
// vacuum.DefaultRetention is the usual production window. Safety
// violations (unreadable log entries, version gaps) downgrade the run
// to a report with nothing deleted rather than an error.
func (t *Table) Vacuum(ctx context.Context, retention time.Duration) (*vacuum.Report, error) {
	m := vacuum.NewManager(t.log, vacuum.Config{
		Registry:   t.registry,
		ScratchDir: t.cfg.ScratchDir,
		Now:        t.cfg.Now,
	})
	return m.Run(ctx, retention)
}
