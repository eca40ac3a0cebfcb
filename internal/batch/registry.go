package batch

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps job types to processors.
//
// It is safe for concurrent use; registration normally happens once at
// startup, lookups happen on every job execution.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Processor
}

func NewRegistry() *Registry {
	return &Registry{procs: map[string]Processor{}}
}

func (r *Registry) Register(jobType string, p Processor) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return fmt.Errorf("job type is required")
	}
	if p == nil {
		return fmt.Errorf("processor for %q is nil", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.procs[jobType]; dup {
		return fmt.Errorf("processor for %q already registered", jobType)
	}
	r.procs[jobType] = p
	return nil
}

func (r *Registry) Lookup(jobType string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[jobType]
	return p, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.procs))
	for t := range r.procs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
