// Package affinity computes which replicas own which keys, per topology
// version, serving as the authoritative placement function for the update
// protocol.
//
// # Overview
//
// A key's placement is a two-step deterministic function:
//
//	Key → xxhash64 → Partition → Replica chain (primary, backups...)
//
// The partition count is fixed for the lifetime of the grid. The second
// step, partition to replica chain, changes whenever cluster membership
// changes, and each such change is published as a new topology version with
// its own immutable assignment table.
//
// # Versioned tables
//
// The resolver retains a table per version rather than only the newest one.
// The update protocol maps each write attempt against a specific topology
// snapshot; responses, backup acknowledgments, and failure attribution all
// refer back to that snapshot, so resolution must stay stable for the
// attempt's lifetime even while the cluster moves on. A remapped attempt
// re-resolves against the newer version explicitly.
//
// # Placement
//
// Within one version, placement is round-robin over the sorted member list:
// partition p is owned by members[p%n], with the next `backups` members as
// its backup chain. Sorting the member list first makes the table a pure
// function of (version, membership), so independently computed tables agree.
//
// # Concurrency
//
// All methods are safe for concurrent use. Reads take a read lock and
// return copies; table installation takes the write lock briefly. The
// resolver never calls out while holding its lock.
package affinity
