package txlog

import (
	"context"
	stderrors "errors"
	"sort"

	"github.com/arkilian/tidelake/internal/errors"
	"github.com/arkilian/tidelake/internal/storage"
)

// Log reads and writes one table's transaction log.
type Log struct {
	store     storage.ObjectStorage
	tableRoot string
}

// NewLog creates a log handle for the table rooted at tableRoot.
func NewLog(store storage.ObjectStorage, tableRoot string) *Log {
	return &Log{store: store, tableRoot: tableRoot}
}

// TableRoot returns the table root path this log belongs to.
func (l *Log) TableRoot() string {
	return l.tableRoot
}

// Store returns the underlying object storage.
func (l *Log) Store() storage.ObjectStorage {
	return l.store
}

// Exists reports whether the table has a genesis entry.
func (l *Log) Exists(ctx context.Context) (bool, error) {
	return l.store.Exists(ctx, EntryPath(l.tableRoot, 0))
}

// Read loads and validates the entry for version. A missing entry maps
// to VERSION_NOT_FOUND; the caller decides whether that means the
// version never existed, was vacuumed away, or the log is damaged.
func (l *Log) Read(ctx context.Context, version uint64) (*Entry, error) {
	entryPath := EntryPath(l.tableRoot, version)

	data, err := l.store.Get(ctx, entryPath)
	if err != nil {
		if stderrors.Is(err, storage.ErrObjectNotFound) {
			return nil, errors.Wrap(errors.ErrCategorySnapshot, errors.CodeVersionNotFound,
				"log entry not found", err).
				WithDetails(map[string]interface{}{"version": version, "path": entryPath})
		}
		return nil, errors.NewStorageError("read log entry", err)
	}

	entry, err := DecodeEntry(data)
	if err != nil {
		if lakeErr, ok := err.(*errors.LakeError); ok {
			return nil, lakeErr.WithDetails(map[string]interface{}{"version": version, "path": entryPath})
		}
		return nil, err
	}
	if entry.Version != version {
		return nil, errors.NewCorruptLogEntry("entry version does not match its path", nil).
			WithDetails(map[string]interface{}{"version": version, "entryVersion": entry.Version, "path": entryPath})
	}
	return entry, nil
}

// write claims the entry slot for entry.Version. ErrObjectExists from
// the store means another writer committed this version first.
func (l *Log) write(ctx context.Context, entry *Entry) error {
	data, err := entry.Encode()
	if err != nil {
		return err
	}
	return l.store.PutIfAbsent(ctx, EntryPath(l.tableRoot, entry.Version), data)
}

// ListVersions returns all entry versions present in the log, ascending.
func (l *Log) ListVersions(ctx context.Context) ([]uint64, error) {
	infos, err := l.store.List(ctx, LogDir(l.tableRoot)+"/")
	if err != nil {
		return nil, errors.NewStorageError("list log entries", err)
	}

	var versions []uint64
	for _, info := range infos {
		if v, ok := ParseEntryVersion(info.Path); ok {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// LatestVersion returns the highest committed version. ok is false when
// the log has no entries at all.
func (l *Log) LatestVersion(ctx context.Context) (latest uint64, ok bool, err error) {
	versions, err := l.ListVersions(ctx)
	if err != nil {
		return 0, false, err
	}
	if len(versions) == 0 {
		return 0, false, nil
	}
	return versions[len(versions)-1], true, nil
}

// ListCheckpoints returns all checkpoint versions, ascending.
func (l *Log) ListCheckpoints(ctx context.Context) ([]uint64, error) {
	infos, err := l.store.List(ctx, LogDir(l.tableRoot)+"/")
	if err != nil {
		return nil, errors.NewStorageError("list checkpoints", err)
	}

	var versions []uint64
	for _, info := range infos {
		if v, ok := ParseCheckpointVersion(info.Path); ok {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}
