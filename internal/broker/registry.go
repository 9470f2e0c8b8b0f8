// registry.go tracks acknowledged stream subscriptions. The registry is the
// single source of truth for what the session holds: reconnects replay its
// snapshot in acknowledgement order, and the slot-cap check consults its
// size before any new subscribe is issued.
package broker

import (
	"sync"

	"surgewatch/pkg/types"
)

// Registry is the ordered set of acknowledged (symbol, channel) slots.
// Mutations are serialised through the stream client.
type Registry struct {
	mu    sync.RWMutex
	slots map[types.SubKey]int // key → ack sequence
	seq   int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[types.SubKey]int)}
}

// Add records an acknowledged subscription. Re-adding an existing key keeps
// its original ack order.
func (r *Registry) Add(key types.SubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slots[key]; ok {
		return
	}
	r.seq++
	r.slots[key] = r.seq
}

// Remove drops an acknowledged subscription.
func (r *Registry) Remove(key types.SubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, key)
}

// Has reports whether the key is currently subscribed.
func (r *Registry) Has(key types.SubKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.slots[key]
	return ok
}

// Len returns the current slot count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// Snapshot returns all keys in acknowledgement order, oldest first. Replay
// after a reconnect re-requests subscriptions in exactly this order.
func (r *Registry) Snapshot() []types.SubKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]types.SubKey, 0, len(r.slots))
	for k := range r.slots {
		keys = append(keys, k)
	}
	// insertion sort by ack sequence; registries are small (≤ cap)
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && r.slots[keys[j]] < r.slots[keys[j-1]]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// Symbols returns the distinct symbols with at least one subscription.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	out := make([]string, 0, len(r.slots))
	for k := range r.slots {
		if !seen[k.Symbol] {
			seen[k.Symbol] = true
			out = append(out, k.Symbol)
		}
	}
	return out
}
