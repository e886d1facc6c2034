// Package update implements the client-side completion protocol for a
// single-key atomic write against the partitioned, replicated grid.
//
// # Overview
//
// A coordinating node issues an update for one key, routes it to the
// partition's primary replica, and must learn exactly once, despite node
// failures, topology changes, and acknowledgments arriving concurrently
// from multiple sources, whether the write succeeded, partially failed, or
// must be retried against a newer cluster topology.
//
// The Future is the state machine at the center of that protocol:
//
//	UNMAPPED → AWAITING_PRIMARY → (AWAITING_BACKUPS | COMPLETE) → COMPLETE
//
// with a REMAPPING exit from either awaiting state. One attempt maps the
// key against a resolved topology version, registers the future in the
// Registry, sends the request to the primary, and folds the primary
// response, backup acknowledgments, and node-departure events into the
// future under one exclusive lock. A response carrying a remap marker, or a
// retryable topology failure, retracts the future identifier and re-enters
// the mapping protocol against a newer version, bounded by the remap
// budget.
//
// # Exactly-once completion
//
// Every response and acknowledgment echoes the future identifier. The
// identifier is nulled under the lock before any external completion
// effect, so duplicate or stale deliveries fail the identifier check and
// cause no observable state change. Registration and deregistration are
// paired: a future leaves the registry exactly once, at the moment it
// completes or retracts for a remap.
//
// # Error taxonomy
//
// TopologyError (transient unless ServerMissing), PartialError (permanent
// per-key failures tagged with the failing attempt's topology version),
// ErrTryAgain (the caller declined to wait for topology), and
// ErrCacheStopping (fatal). Only PartialErrors whose cause chain carries a
// non-server-missing topology condition, on a write mode whose durable
// store had not yet been reached, convert into remaps, and only while the
// budget lasts.
//
// # Concurrency
//
// Callbacks arrive on arbitrary goroutines. All bookkeeping runs under one
// mutex per future; every externally visible effect (completing the
// caller's signal, the near-cache application, sends, continuation
// registration) happens after unlock, from values captured while locked.
// Nothing in this package blocks a calling goroutine waiting for topology:
// waiting is expressed as a continuation registered on the topology
// tracker, which re-enters MapOnTopology.
package update
