package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Fetcher downloads data files to a local scratch directory with bounded
// parallelism. Data files are immutable once committed and carry unique
// names, so a file already present in the scratch directory is reused
// without a round trip to storage.
type Fetcher struct {
	storage     ObjectStorage
	concurrency int
	scratchDir  string
}

// FetchResult maps object paths to their local copies. Failed paths are
// reported in Errors rather than failing the whole batch, so callers can
// decide whether partial results are usable.
type FetchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// NewFetcher creates a fetcher that downloads at most concurrency files
// at a time into scratchDir.
func NewFetcher(storage ObjectStorage, concurrency int, scratchDir string) *Fetcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Fetcher{
		storage:     storage,
		concurrency: concurrency,
		scratchDir:  scratchDir,
	}
}

// Fetch downloads the given objects in parallel. The returned result
// covers every requested path, either in LocalPaths or in Errors.
func (f *Fetcher) Fetch(ctx context.Context, objectPaths []string) (*FetchResult, error) {
	result := &FetchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(objectPaths) == 0 {
		return result, nil
	}

	if err := os.MkdirAll(f.scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create scratch directory: %w", err)
	}

	type pending struct {
		path  string
		local string
	}
	var queue []pending
	for _, p := range objectPaths {
		local := f.localPath(p)
		if _, err := os.Stat(local); err == nil {
			result.LocalPaths[p] = local
			result.CacheHits++
			continue
		}
		queue = append(queue, pending{path: p, local: local})
	}

	sem := semaphore.NewWeighted(int64(f.concurrency))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, p := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p.path] = fmt.Errorf("storage: fetch canceled: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(path, local string) {
			defer sem.Release(1)
			defer wg.Done()

			if err := f.storage.Download(ctx, path, local); err != nil {
				mu.Lock()
				result.Errors[path] = err
				mu.Unlock()
				return
			}

			mu.Lock()
			result.LocalPaths[path] = local
			result.Downloads++
			mu.Unlock()
		}(p.path, p.local)
	}

	wg.Wait()
	return result, nil
}

// Evict removes the scratch copy of an object, if present. Vacuum calls
// this after deleting the remote object so stale local copies do not
// linger.
func (f *Fetcher) Evict(objectPath string) {
	_ = os.Remove(f.localPath(objectPath))
}

// localPath maps an object path to its scratch location. File names are
// unique across the table, so flattening to the base name cannot collide.
func (f *Fetcher) localPath(objectPath string) string {
	return filepath.Join(f.scratchDir, filepath.Base(filepath.FromSlash(objectPath)))
}
