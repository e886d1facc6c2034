package update

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTryAgain is the distinguished retry signal surfaced when a topology
// change requires a remap but the caller asked not to wait for topology
// readiness. An enclosing transactional caller restarts the whole operation
// instead of suspending inside this layer.
var ErrTryAgain = errors.New("topology changed, retry the update")

// ErrCacheStopping is surfaced when the cache shuts down while an update is
// in flight. Fatal, never retried.
var ErrCacheStopping = errors.New("cache is stopping")

// TopologyError is the cluster-topology condition: the topology the attempt
// was mapped against is no longer the one serving the key.
//
// ServerMissing marks the permanent variant: no live owner exists for the
// key's partition, so no amount of remapping will find one.
type TopologyError struct {
	Reason        string `json:"reason"`
	Version       uint64 `json:"version"`
	ServerMissing bool   `json:"server_missing,omitempty"`
}

func (e *TopologyError) Error() string {
	if e.ServerMissing {
		return fmt.Sprintf("no server found for update at topology version %d: %s", e.Version, e.Reason)
	}
	return fmt.Sprintf("topology changed at version %d: %s", e.Version, e.Reason)
}

// KeyFailure records one key's permanent failure, tagged with the topology
// version of the failing attempt.
type KeyFailure struct {
	Key     string
	Version uint64
	Cause   error
}

// PartialError is the partial-update condition: some keys failed
// permanently while others may have succeeded. On this single-key path
// every failure set has exactly one member per attempt, but failures from
// multiple attempts merge when remaps occur before the budget runs out.
//
// PartialError participates in errors.As cause walking through
// Unwrap() []error, which is what the remap classification uses to find a
// TopologyError in the chain.
type PartialError struct {
	failures []KeyFailure
}

func newPartialError() *PartialError {
	return &PartialError{}
}

// Add records a failed key with its cause and the topology version of the
// failing attempt.
func (e *PartialError) Add(key string, ver uint64, cause error) {
	e.failures = append(e.failures, KeyFailure{Key: key, Version: ver, Cause: cause})
}

// Failures returns the recorded per-key failures.
func (e *PartialError) Failures() []KeyFailure {
	return append([]KeyFailure(nil), e.failures...)
}

// TopologyVersion returns the highest topology version among the recorded
// failures, which is the version a retry maps past.
func (e *PartialError) TopologyVersion() uint64 {
	var max uint64
	for _, f := range e.failures {
		if f.Version > max {
			max = f.Version
		}
	}
	return max
}

func (e *PartialError) Error() string {
	var b strings.Builder
	b.WriteString("failed to update keys (retry update if possible)")
	for _, f := range e.failures {
		fmt.Fprintf(&b, "; key %q at version %d: %v", f.Key, f.Version, f.Cause)
	}
	return b.String()
}

// Unwrap exposes the per-key causes so errors.Is/As walk the full chain.
func (e *PartialError) Unwrap() []error {
	out := make([]error, 0, len(e.failures))
	for _, f := range e.failures {
		out = append(out, f.Cause)
	}
	return out
}

// topologyLockedError builds the terminal error for a future that would
// have to wait for topology readiness while running inside a lock-held
// topology window. Topology is fixed for the duration of such a window, so
// a forced wait means a topology race that must be surfaced, not retried.
func topologyLockedError(key string, ver uint64) *PartialError {
	e := newPartialError()
	e.Add(key, ver, &TopologyError{
		Version: ver,
		Reason:  "topology changed while executing atomic update inside a locked topology window",
	})
	return e
}

// retryableTopologyCause classifies a failure for the remap decision. It
// returns the topology cause iff the error chain carries both the
// partial-update and cluster-topology conditions, the topology condition is
// not the permanent server-missing variant, and the write mode implies the
// primary had not yet reached its durable store. The remap budget is
// checked by the caller.
func retryableTopologyCause(err *PartialError, storePending bool) (*TopologyError, bool) {
	if err == nil || !storePending {
		return nil, false
	}
	var topErr *TopologyError
	if !errors.As(err, &topErr) {
		return nil, false
	}
	if topErr.ServerMissing {
		return nil, false
	}
	return topErr, true
}
