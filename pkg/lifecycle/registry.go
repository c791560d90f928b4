package lifecycle

import (
	"sort"
	"sync"
	"time"
)

// Registry is the set of tabs believed to host the UI. It may be stale in both directions;
// the manager corrects it by probing.
type Registry struct {
	mu   sync.Mutex
	tabs map[int]time.Time
}

func NewRegistry() *Registry {
	return &Registry{tabs: map[int]time.Time{}}
}

func (r *Registry) IsKnown(tabID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tabs[tabID]
	return ok
}

func (r *Registry) MarkInjected(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[tabID]; !ok {
		r.tabs[tabID] = time.Now()
	}
}

func (r *Registry) Evict(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tabs, tabID)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}

func (r *Registry) Tabs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.tabs))
	for id := range r.tabs {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
