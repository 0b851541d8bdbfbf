package relay

import (
	"sync"
	"weak"

	"github.com/google/uuid"

	"github.com/wjwxxn/wstan/internal/metrics"
)

// Registry is a debug-only collection of weak references to live tunnel
// endpoints, the Go analogue of the source's `allConn` weakref.WeakSet
// (spec §9 "Cyclic references"). Entries self-prune: once the Endpoint
// they point to becomes unreachable from everywhere else, the weak
// pointer clears and Live/Count stop reporting it, without the registry
// ever having kept the Endpoint alive itself.
//
// Only constructed when the `debug` config option is set; a nil
// *Registry is valid everywhere below and simply does nothing, so
// non-debug builds pay no tracking cost.
type Registry struct {
	mu      sync.Mutex
	entries map[string]weak.Pointer[Endpoint]
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]weak.Pointer[Endpoint])}
}

// Register adds e under a fresh UUID and returns it; the caller passes it
// back to Unregister. Safe to call on a nil *Registry (returns "").
func (r *Registry) Register(e *Endpoint) string {
	if r == nil {
		return ""
	}
	id := uuid.NewString()
	r.mu.Lock()
	r.entries[id] = weak.Make(e)
	r.mu.Unlock()
	return id
}

// Unregister drops id's entry eagerly. This is an optimization — an
// entry whose endpoint has already been collected is equally well
// handled by Live/Count's lazy pruning — but it keeps the map from
// accumulating cleared entries for long-lived processes with many short
// tunnels. Safe to call on a nil *Registry or unknown id.
func (r *Registry) Unregister(id string) {
	if r == nil || id == "" {
		return
	}
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Live returns every endpoint still reachable, pruning cleared entries as
// it goes. Safe to call on a nil *Registry (returns nil).
func (r *Registry) Live() []*Endpoint {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make([]*Endpoint, 0, len(r.entries))
	for id, wp := range r.entries {
		if e := wp.Value(); e != nil {
			live = append(live, e)
		} else {
			delete(r.entries, id)
		}
	}
	return live
}

// Count is Live without the allocation, for periodic "N live tunnels"
// diagnostic logging.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, wp := range r.entries {
		if wp.Value() != nil {
			n++
		} else {
			delete(r.entries, id)
		}
	}
	metrics.LiveDebugRegistrySize.Set(float64(n))
	return n
}
