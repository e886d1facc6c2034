package update

import (
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/stefanma/ignite/internal/cluster"
)

// Registry is the process-wide table of in-flight futures, keyed by future
// identifier. Futures register themselves before their request is sent, so
// a reply can never arrive ahead of registration, and deregister on every
// terminal or remap transition.
//
// The registry is owned by the component that creates futures and passed by
// handle; it is never ambient state.
type Registry struct {
	futures cmap.ConcurrentMap[uint64, *Future]
	nextID  atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		futures: cmap.NewWithCustomShardingFunction[uint64, *Future](shardFutureID),
	}
}

// shardFutureID spreads sequential future IDs across the map's shards.
func shardFutureID(id uint64) uint32 {
	id ^= id >> 33
	id *= 0xff51afd7ed558ccd
	id ^= id >> 33
	return uint32(id)
}

// Register assigns a fresh future identifier, stores the future under it,
// and returns the identifier. IDs are unique for the process lifetime.
func (r *Registry) Register(f *Future) uint64 {
	id := r.nextID.Add(1)
	r.futures.Set(id, f)
	return id
}

// Lookup returns the in-flight future registered under id.
func (r *Registry) Lookup(id uint64) (*Future, bool) {
	return r.futures.Get(id)
}

// Deregister removes id from the registry. Removing an absent id is a
// no-op, so terminal paths that already retracted the id stay idempotent.
func (r *Registry) Deregister(id uint64) {
	r.futures.Remove(id)
}

// Size returns the number of in-flight futures.
func (r *Registry) Size() int {
	return r.futures.Count()
}

// NodeLeft delivers a node-departure event to every in-flight future.
// Futures for which the departed node is neither their primary nor a
// pending backup ignore it.
func (r *Registry) NodeLeft(node cluster.NodeID) {
	for item := range r.futures.IterBuffered() {
		item.Val.OnNodeLeft(node)
	}
}
