// Package topology provides the two topology-facing services the update
// protocol depends on: version readiness tracking and node liveness
// watching.
//
// # Tracker
//
// Topology versions resolve asynchronously: a membership change opens an
// exchange window (StartExchange) during which no version is resolved, and
// closes it by publishing the next version (Advance). The Tracker exposes
// that lifecycle to the update protocol three ways:
//
//   - a read-style guard (ReadLock/ReadUnlock) giving callers a consistent
//     view across the stopping flag, the resolved version, and the cache
//     validation outcome;
//   - non-blocking waiting: AwaitReady registers a continuation that fires
//     exactly once, on a fresh goroutine, when a version resolves; callers
//     never park a thread on topology;
//   - a stopping state that releases all waiters at shutdown so in-flight
//     futures can fail out instead of hanging.
//
// # Watcher
//
// The Watcher probes each grid node's /health endpoint on an interval and
// declares a node departed after a run of consecutive failures. The
// coordinator wires the departure callback to fan node-left events into
// every in-flight future and to advance the topology version, which is what
// triggers the remap protocol for writes whose primary just vanished.
package topology
