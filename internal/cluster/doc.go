// Package cluster provides the shared vocabulary of the grid: node
// identities, membership envelopes, and the HTTP/JSON helpers used for all
// inter-process communication.
//
// Every process in the system, the near-side coordinator and the grid
// storage nodes alike, exchanges JSON documents over HTTP. PostJSON and GetJSON
// centralize the client side of that protocol: a single shared http.Client
// with a 5 second timeout, context propagation, and uniform status-code
// handling.
//
// The package deliberately contains no behavior beyond identity and
// transport plumbing; routing, affinity, and the update protocol live in
// their own packages.
package cluster
