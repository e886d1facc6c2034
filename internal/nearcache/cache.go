// Package nearcache maintains the coordinator-local read mirror that
// successful update responses are applied to as a side effect of the
// completion protocol.
//
// The mirror is strictly best-effort: applications are fire-and-forget,
// skipped whenever the response carries a remap marker or an error, and
// never participate in completion logic. A stale mirror costs a read
// round-trip, nothing more.
package nearcache

import (
	"time"

	"github.com/stefanma/ignite/internal/storage"
	"github.com/stefanma/ignite/internal/update"
)

// Cache is the near-side read mirror.
type Cache struct {
	store storage.Store
}

// New creates a mirror backed by its own in-memory store.
func New() *Cache {
	return &Cache{store: storage.NewMemoryStore()}
}

// Get reads a mirrored value. storage.ErrKeyNotFound means the mirror has
// no opinion and the caller should read through to the grid.
func (c *Cache) Get(key string) ([]byte, error) {
	return c.store.Get(key)
}

// Apply folds a successful primary response into the mirror. Responses
// carrying remap markers or errors are ignored: the write did not settle,
// so there is nothing safe to mirror.
func (c *Cache) Apply(req *update.Request, res *update.Response) {
	if len(res.RemapKeys) > 0 || res.Error != nil {
		return
	}

	switch req.Op {
	case update.OpDelete:
		_ = c.store.Delete(req.Key)
	case update.OpUpdate:
		if res.Result != nil && !res.Result.Applied {
			// Filtered write that did not apply; current value stands.
			return
		}
		var ttl time.Duration
		if req.Expiry != nil {
			ttl = req.Expiry.TTL
		}
		_ = c.store.Put(req.Key, req.Value, ttl)
	case update.OpTransform:
		if res.Result == nil {
			return
		}
		if out, ok := res.Result.Out[req.Key]; ok {
			_ = c.store.Put(req.Key, out, 0)
		}
	}
}

// Stats exposes the mirror's store statistics.
func (c *Cache) Stats() storage.StoreStats {
	return c.store.Stats()
}
