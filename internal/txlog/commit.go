package txlog

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/pkg/types"
)

// DefaultMaxRetries bounds how often a commit rebases after losing a
// slot race before giving up with a conflict error.
const DefaultMaxRetries = 5

// CommitRequest describes a transaction to append to the log.
type CommitRequest struct {
	// BaseVersion is the snapshot version the writer prepared against.
	BaseVersion uint64

	// Op is the operation being committed.
	Op Op

	// SchemaVersion is the schema version the writer validated against.
	SchemaVersion uint32

	// Schema carries the new schema for SCHEMA_CHANGE commits.
	Schema *types.Schema

	// PartitionColumns repeats the table's partition column order on
	// SCHEMA_CHANGE commits. Partitioning never changes after genesis.
	PartitionColumns []string

	Adds    []FileRef
	Removes []FileRef
}

// CommitterOptions tunes the optimistic commit loop. Zero values select
// the defaults.
type CommitterOptions struct {
	// Policy decides when a lost race is a real conflict. Defaults to
	// PartitionPolicy.
	Policy ConflictPolicy

	// MaxRetries bounds rebase attempts. Defaults to DefaultMaxRetries.
	MaxRetries int

	// Backoff returns the sleep before retry attempt n (n starts at 1).
	// Defaults to exponential backoff starting at 200ms.
	Backoff func(attempt int) time.Duration

	// Now supplies entry timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Committer appends entries to a table's log with optimistic concurrency
// control. Losing a slot race is not an error by itself: the committer
// re-reads the entries that won, asks the conflict policy whether they
// invalidate the pending commit, and otherwise rebases onto the new head
// and tries again.
type Committer struct {
	log        *Log
	policy     ConflictPolicy
	maxRetries int
	backoff    func(attempt int) time.Duration
	now        func() time.Time
}

// NewCommitter creates a committer for the given log.
func NewCommitter(l *Log, opts CommitterOptions) *Committer {
	policy := opts.Policy
	if policy == nil {
		policy = PartitionPolicy{}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Committer{
		log:        l,
		policy:     policy,
		maxRetries: maxRetries,
		backoff:    backoff,
		now:        now,
	}
}

// Policy returns the committer's conflict policy.
func (c *Committer) Policy() ConflictPolicy {
	return c.policy
}

// Genesis writes the version-0 entry that creates a table with the given
// schema and partition column order. Fails with TABLE_EXISTS when a
// genesis entry is already there.
func (c *Committer) Genesis(ctx context.Context, schema *types.Schema, partitionColumns []string) (*Entry, error) {
	entry := &Entry{
		Version:          0,
		TimestampMs:      c.now().UnixMilli(),
		Op:               OpSchemaChange,
		SchemaVersion:    schema.Version,
		Schema:           schema,
		PartitionColumns: partitionColumns,
	}
	if err := c.log.write(ctx, entry); err != nil {
		if stderrors.Is(err, storage.ErrObjectExists) {
			return nil, errors.Newf(errors.ErrCategoryCommit, errors.CodeTableExists,
				"table already exists at %s", c.log.TableRoot())
		}
		if lakeErr, ok := err.(*errors.LakeError); ok {
			return nil, lakeErr
		}
		return nil, errors.NewStorageError("write genesis entry", err)
	}
	return entry, nil
}

// Commit appends the requested transaction at BaseVersion+1, rebasing
// past non-conflicting concurrent commits. Returns the entry as written,
// including its final version.
func (c *Committer) Commit(ctx context.Context, req *CommitRequest) (*Entry, error) {
	base := req.BaseVersion

	for attempt := 0; ; attempt++ {
		target := base + 1
		entry := &Entry{
			Version:          target,
			TimestampMs:      c.now().UnixMilli(),
			Op:               req.Op,
			SchemaVersion:    req.SchemaVersion,
			Schema:           req.Schema,
			PartitionColumns: req.PartitionColumns,
			Adds:             req.Adds,
			Removes:          req.Removes,
		}

		err := c.log.write(ctx, entry)
		if err == nil {
			if attempt > 0 {
				log.Printf("txlog: committed version %d after %d rebase(s)", target, attempt)
			}
			return entry, nil
		}
		if !stderrors.Is(err, storage.ErrObjectExists) {
			if lakeErr, ok := err.(*errors.LakeError); ok {
				return nil, lakeErr
			}
			return nil, errors.NewStorageError(fmt.Sprintf("write log entry %d", target), err)
		}

		// Lost the race. Walk the entries that won and check each one
		// against the conflict policy before rebasing onto the head.
		head, err := c.scanWinners(ctx, req, target)
		if err != nil {
			return nil, err
		}

		if attempt >= c.maxRetries {
			return nil, errors.NewConflict("commit retries exhausted").WithDetails(map[string]interface{}{
				"baseVersion": req.BaseVersion,
				"attempts":    attempt + 1,
				"headVersion": head,
			})
		}

		log.Printf("txlog: version %d taken, rebasing onto %d (attempt %d/%d)",
			target, head, attempt+1, c.maxRetries)
		base = head

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoff(attempt + 1)):
		}
	}
}

// scanWinners reads entries from the contested version upward, checking
// each against the conflict policy. Returns the head version on success.
func (c *Committer) scanWinners(ctx context.Context, req *CommitRequest, from uint64) (uint64, error) {
	v := from
	for {
		entry, err := c.log.Read(ctx, v)
		if err != nil {
			if errors.GetCode(err) == errors.CodeVersionNotFound {
				// Ran past the head.
				return v - 1, nil
			}
			return 0, err
		}
		if c.policy.Conflicts(req, entry) {
			return 0, errors.NewConflict(
				fmt.Sprintf("concurrent %s at version %d conflicts with pending %s",
					entry.Op, entry.Version, req.Op)).
				WithDetails(map[string]interface{}{
					"baseVersion":        req.BaseVersion,
					"conflictingVersion": entry.Version,
					"conflictingOp":      string(entry.Op),
					"policy":             c.policy.Name(),
				})
		}
		v++
	}
}
