package table

import (
	"context"
	"fmt"
	"log"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/txlog"
)

// Commit is one entry of a table's history.
type Commit struct {
	Version       uint64
	Timestamp     time.Time
	Op            txlog.Op
	SchemaVersion uint32
	AddedFiles    int
	RemovedFiles  int
	RowsAdded     int64
	RowsRemoved   int64
}

// History returns the table's commits, newest first. A limit of zero or
// less returns everything still retained; history vacuumed out of
// retention is simply absent.
func (t *Table) History(ctx context.Context, limit int) ([]Commit, error) {
	head, err := t.builder.Head(ctx)
	if err != nil {
		return nil, err
	}

	var commits []Commit
	for v := head; ; v-- {
		entry, err := t.log.Read(ctx, v)
		if err != nil {
			if errors.GetCode(err) == errors.CodeVersionNotFound {
				// Older entries were vacuumed away.
				break
			}
			return nil, err
		}

		c := Commit{
			Version:       entry.Version,
			Timestamp:     time.UnixMilli(entry.TimestampMs),
			Op:            entry.Op,
			SchemaVersion: entry.SchemaVersion,
			AddedFiles:    len(entry.Adds),
			RemovedFiles:  len(entry.Removes),
		}
		for i := range entry.Adds {
			c.RowsAdded += entry.Adds[i].RowCount
		}
		for i := range entry.Removes {
			c.RowsRemoved += entry.Removes[i].RowCount
		}
		commits = append(commits, c)

		if limit > 0 && len(commits) >= limit {
			break
		}
		if v == 0 {
			break
		}
	}
	return commits, nil
}

// Clone copies the table's current contents to a new root: every active
// data file is copied byte for byte, then the target is created with
// the same schema and a single commit referencing the copies. The clone
// shares no files with the source, so either table can be vacuumed or
// dropped without touching the other.
func (t *Table) Clone(ctx context.Context, targetRoot string) (*Table, error) {
	if targetRoot == "" || targetRoot == t.root {
		return nil, errors.New(errors.ErrCategoryConfig, errors.CodeInvalidConfig,
			"clone target must be a distinct table root")
	}

	targetLog := txlog.NewLog(t.store, targetRoot)
	if ok, err := targetLog.Exists(ctx); err != nil {
		return nil, err
	} else if ok {
		return nil, errors.Newf(errors.ErrCategoryCommit, errors.CodeTableExists,
			"table already exists at %s", targetRoot)
	}

	snap, err := t.builder.Load(ctx)
	if err != nil {
		return nil, err
	}

	// Copy data before writing any log entry so a half-finished clone
	// is invisible: without a genesis entry the target is not a table.
	for i := range snap.Files {
		rel := snap.Files[i].Path
		data, err := t.store.Get(ctx, t.objectPath(rel))
		if err != nil {
			return nil, errors.NewStorageError(fmt.Sprintf("read %s for clone", rel), err)
		}
		if err := t.store.Put(ctx, path.Join(targetRoot, rel), data); err != nil {
			return nil, errors.NewStorageError(fmt.Sprintf("copy %s to clone", rel), err)
		}
	}

	target, err := Create(ctx, t.cfg, targetRoot, snap.Schema, snap.PartitionColumns)
	if err != nil {
		return nil, err
	}

	if len(snap.Files) > 0 {
		// The copied files keep their stats and digests; the clone's
		// first commit references them verbatim.
		if _, err := target.committer.Commit(ctx, &txlog.CommitRequest{
			BaseVersion:   0,
			Op:            txlog.OpAppend,
			SchemaVersion: snap.Schema.Version,
			Adds:          snap.Files,
		}); err != nil {
			return nil, err
		}
	}

	log.Printf("table: cloned %s@%d to %s (%d files, %d rows)",
		t.root, snap.Version, targetRoot, snap.FileCount(), snap.TotalRows())
	return target, nil
}

// Drop permanently deletes the table: all data files, checkpoints, and
// finally the log itself. Data objects go first and log entries last,
// newest to genesis, so a concurrently opened handle sees a table until
// the moment nothing of it remains.
func (t *Table) Drop(ctx context.Context) error {
	if ok, err := t.log.Exists(ctx); err != nil {
		return err
	} else if !ok {
		return errors.Newf(errors.ErrCategorySnapshot, errors.CodeTableNotFound,
			"no table at %s", t.root)
	}

	objects, err := t.store.List(ctx, t.root+"/")
	if err != nil {
		return errors.NewStorageError("list table objects", err)
	}

	logPrefix := txlog.LogDir(t.root) + "/"
	var logObjects []string
	deleted := 0
	for _, obj := range objects {
		if strings.HasPrefix(obj.Path, logPrefix) {
			logObjects = append(logObjects, obj.Path)
			continue
		}
		if err := t.store.Delete(ctx, obj.Path); err != nil {
			return errors.NewStorageError(fmt.Sprintf("delete %s", obj.Path), err)
		}
		deleted++
	}

	sort.Sort(sort.Reverse(sort.StringSlice(logObjects)))
	for _, p := range logObjects {
		if err := t.store.Delete(ctx, p); err != nil {
			return errors.NewStorageError(fmt.Sprintf("delete %s", p), err)
		}
		deleted++
	}

	log.Printf("table: dropped %s (%d objects)", t.root, deleted)
	return nil
}
