package snapshot

import (
	"sync"

	"github.com/arkilian/tidelake/internal/txlog"
)

// Registry tracks data files pinned by in-process readers so vacuum
// never deletes a file out from under an open query. Readers acquire a
// lease over their snapshot's files and release it when done; lookups
// are by file path.
type Registry struct {
	mu   sync.Mutex
	refs map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{refs: make(map[string]int)}
}

// Acquire pins the given files and returns the lease that unpins them.
func (r *Registry) Acquire(files []txlog.FileRef) *Lease {
	paths := make([]string, len(files))
	for i := range files {
		paths[i] = files[i].Path
	}

	r.mu.Lock()
	for _, p := range paths {
		r.refs[p]++
	}
	r.mu.Unlock()

	return &Lease{registry: r, paths: paths}
}

// InUse reports whether any live lease pins path.
func (r *Registry) InUse(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[path] > 0
}

// PinnedCount returns the number of distinct pinned files.
func (r *Registry) PinnedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

// Lease pins a file set until released. Release is idempotent.
type Lease struct {
	registry *Registry
	paths    []string
	once     sync.Once
}

// Release unpins the lease's files.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.registry.mu.Lock()
		defer l.registry.mu.Unlock()
		for _, p := range l.paths {
			if l.registry.refs[p] <= 1 {
				delete(l.registry.refs, p)
			} else {
				l.registry.refs[p]--
			}
		}
	})
}
