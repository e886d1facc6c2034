// Package storage implements the node-side in-memory partition store that
// update requests execute against.
//
// # Overview
//
// Each grid node holds the entries of the partitions assigned to it in a
// MemoryStore. The store supports the four operations the update protocol
// can ship: plain writes, conditional (filtered) writes, deletes, and named
// transforms. Writes may carry a TTL; expired entries are dropped lazily on
// read rather than by a sweeper goroutine.
//
// # Transforms
//
// Transform operands travel across the wire by name plus argument, never as
// code. The node resolves the name against a fixed registry ("append",
// "counter-add") and applies the function to the current value under the
// store lock, so concurrent transforms of one key serialize and each
// observes the previous one's output. The output value is returned to the
// caller for inclusion in the per-key result map.
//
// # Concurrency
//
// MemoryStore is safe for concurrent use. Values are copied on the way in
// and on the way out so callers can never alias the store's buffers.
package storage
