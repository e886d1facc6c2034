// Package affinity implements the deterministic mapping from keys to their
// owning replicas. See doc.go for complete package documentation.
package affinity

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/slices"

	"github.com/stefanma/ignite/internal/cluster"
)

// ErrVersionUnknown is returned when a lookup references a topology version
// the resolver has never been given an assignment table for.
var ErrVersionUnknown = errors.New("unknown topology version")

// ErrNoPrimary is returned when a partition has no live owner at the
// requested topology version (all partition nodes left the grid).
var ErrNoPrimary = errors.New("no primary owner for partition")

// Assignment describes the replica chain of one partition at one topology
// version. Owners are ordered: the first entry is the primary, the rest are
// backups in acknowledgment order.
//
// Assignments are immutable once created; the resolver returns copies.
type Assignment struct {
	// Partition is the partition identifier, in [0, partitions).
	Partition int

	// Owners lists the nodes holding this partition, primary first.
	// Empty when no replica is alive at that version.
	Owners []cluster.NodeID
}

// Primary returns the primary owner, or false when none is alive.
func (a Assignment) Primary() (cluster.NodeID, bool) {
	if len(a.Owners) == 0 {
		return "", false
	}
	return a.Owners[0], true
}

// Backups returns the backup owners (possibly empty).
func (a Assignment) Backups() []cluster.NodeID {
	if len(a.Owners) <= 1 {
		return nil
	}
	return append([]cluster.NodeID(nil), a.Owners[1:]...)
}

// Resolver maps keys to partitions and partitions to replica chains, one
// assignment table per topology version.
//
// The resolver keeps a table for every version it has been given, not just
// the latest: an in-flight update attempt was mapped against a specific
// topology snapshot and must keep resolving against that same snapshot even
// while newer versions arrive. Old tables are pruned explicitly with
// DropBefore once no attempt can reference them.
//
// Key placement uses xxhash64 over the key bytes, reduced modulo the fixed
// partition count. The partition count is fixed at construction; changing it
// would remap every key in the grid.
//
// Concurrency: reads take an RLock, table installation takes the write lock,
// and all returned data is copied. No locks are held during callbacks.
type Resolver struct {
	versions   map[uint64][][]cluster.NodeID // version -> partition -> owners
	mu         sync.RWMutex
	partitions int
}

// NewResolver creates a resolver with the given fixed partition count.
// The count should be well above the expected node count; powers of two
// are conventional but not required.
func NewResolver(partitions int) *Resolver {
	return &Resolver{
		partitions: partitions,
		versions:   make(map[uint64][][]cluster.NodeID),
	}
}

// Partitions returns the fixed partition count.
func (r *Resolver) Partitions() int {
	return r.partitions
}

// PartitionForKey returns the partition owning key. Pure computation:
// the same key always lands on the same partition.
func (r *Resolver) PartitionForKey(key string) int {
	return int(xxhash.Sum64String(key) % uint64(r.partitions))
}

// SetTopology installs the assignment table for a topology version.
//
// Placement is round-robin over the sorted member list: partition p gets
// members[p%n] as primary and the following `backups` members as its backup
// chain. Sorting makes placement independent of the order members were
// discovered in, so every process computes the same table for the same
// membership.
//
// Installing a table for an already-known version overwrites it; this only
// happens when a coordinator restarts mid-version.
func (r *Resolver) SetTopology(ver uint64, members []cluster.NodeID, backups int) error {
	if ver == 0 {
		return errors.New("topology version must be positive")
	}
	if backups < 0 {
		return fmt.Errorf("negative backup count %d", backups)
	}

	sorted := append([]cluster.NodeID(nil), members...)
	slices.Sort(sorted)

	table := make([][]cluster.NodeID, r.partitions)
	if len(sorted) > 0 {
		chain := backups + 1
		if chain > len(sorted) {
			chain = len(sorted)
		}
		for p := 0; p < r.partitions; p++ {
			owners := make([]cluster.NodeID, 0, chain)
			for i := 0; i < chain; i++ {
				owners = append(owners, sorted[(p+i)%len(sorted)])
			}
			table[p] = owners
		}
	}

	r.mu.Lock()
	r.versions[ver] = table
	r.mu.Unlock()

	return nil
}

// Owners returns the replica chain of a partition at a topology version.
func (r *Resolver) Owners(partition int, ver uint64) (Assignment, error) {
	if partition < 0 || partition >= r.partitions {
		return Assignment{}, fmt.Errorf("invalid partition %d, must be in range [0, %d)", partition, r.partitions)
	}

	r.mu.RLock()
	table, ok := r.versions[ver]
	r.mu.RUnlock()

	if !ok {
		return Assignment{}, fmt.Errorf("partition %d at version %d: %w", partition, ver, ErrVersionUnknown)
	}

	return Assignment{
		Partition: partition,
		Owners:    append([]cluster.NodeID(nil), table[partition]...),
	}, nil
}

// PrimaryFor resolves the primary replica for a key at a topology version.
// Returns ErrNoPrimary when no replica is alive for the key's partition,
// and ErrVersionUnknown when the version has no installed table.
func (r *Resolver) PrimaryFor(key string, ver uint64) (cluster.NodeID, error) {
	a, err := r.Owners(r.PartitionForKey(key), ver)
	if err != nil {
		return "", err
	}
	primary, ok := a.Primary()
	if !ok {
		return "", fmt.Errorf("key %q at version %d: %w", key, ver, ErrNoPrimary)
	}
	return primary, nil
}

// BackupsFor resolves the backup replicas for a key at a topology version.
// An empty slice means the write needs no backup acknowledgments.
func (r *Resolver) BackupsFor(key string, ver uint64) ([]cluster.NodeID, error) {
	a, err := r.Owners(r.PartitionForKey(key), ver)
	if err != nil {
		return nil, err
	}
	return a.Backups(), nil
}

// DropBefore discards assignment tables older than ver. Tables still
// referenced by in-flight attempts must not be dropped; callers gate this
// on their own bookkeeping.
func (r *Resolver) DropBefore(ver uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for v := range r.versions {
		if v < ver {
			delete(r.versions, v)
		}
	}
}
