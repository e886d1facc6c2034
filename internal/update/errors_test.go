package update

import (
	"errors"
	"testing"
)

// TestRetryableTopologyCause tests the remap classification over cause chains
func TestRetryableTopologyCause(t *testing.T) {
	topErr := &TopologyError{Version: 3, Reason: "primary left"}
	missingErr := &TopologyError{Version: 3, Reason: "no owners", ServerMissing: true}

	withCause := func(cause error) *PartialError {
		e := newPartialError()
		e.Add("k", 3, cause)
		return e
	}

	tests := []struct {
		err          *PartialError
		name         string
		storePending bool
		want         bool
	}{
		{
			name:         "topology cause with store pending is retryable",
			err:          withCause(topErr),
			storePending: true,
			want:         true,
		},
		{
			name:         "store already reached is terminal",
			err:          withCause(topErr),
			storePending: false,
			want:         false,
		},
		{
			name:         "server missing is permanent",
			err:          withCause(missingErr),
			storePending: true,
			want:         false,
		},
		{
			name:         "non-topology cause is terminal",
			err:          withCause(errors.New("disk full")),
			storePending: true,
			want:         false,
		},
		{
			name:         "nil error is not retryable",
			err:          nil,
			storePending: true,
			want:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cause, ok := retryableTopologyCause(tt.err, tt.storePending)
			if ok != tt.want {
				t.Fatalf("retryableTopologyCause() = %v, want %v", ok, tt.want)
			}
			if ok && cause == nil {
				t.Fatal("retryable classification must return the topology cause")
			}
		})
	}
}

// TestRetryableTopologyCauseMixedChain verifies that one topology failure
// among non-topology failures still classifies as retryable.
func TestRetryableTopologyCauseMixedChain(t *testing.T) {
	e := newPartialError()
	e.Add("k", 2, errors.New("io error"))
	e.Add("k", 4, &TopologyError{Version: 4, Reason: "moved"})

	cause, ok := retryableTopologyCause(e, true)
	if !ok {
		t.Fatal("expected retryable classification")
	}
	if cause.Version != 4 {
		t.Fatalf("expected topology cause at version 4, got %d", cause.Version)
	}
}

// TestPartialErrorVersions tests version tagging and aggregation
func TestPartialErrorVersions(t *testing.T) {
	e := newPartialError()
	e.Add("k", 2, errors.New("first attempt"))
	e.Add("k", 5, errors.New("second attempt"))
	e.Add("k", 3, errors.New("stale delivery"))

	if got := e.TopologyVersion(); got != 5 {
		t.Errorf("TopologyVersion() = %d, want 5", got)
	}
	if got := len(e.Failures()); got != 3 {
		t.Errorf("expected 3 recorded failures, got %d", got)
	}

	// errors.Is must walk the cause chain through Unwrap() []error.
	sentinel := errors.New("sentinel")
	e2 := newPartialError()
	e2.Add("k", 1, sentinel)
	if !errors.Is(e2, sentinel) {
		t.Error("errors.Is did not reach the per-key cause")
	}
}

// TestTopologyLockedError tests the fail-fast error for locked topology windows
func TestTopologyLockedError(t *testing.T) {
	err := topologyLockedError("account:7", 9)

	failures := err.Failures()
	if len(failures) != 1 {
		t.Fatalf("expected exactly one key failure, got %d", len(failures))
	}
	if failures[0].Key != "account:7" {
		t.Errorf("expected key %q, got %q", "account:7", failures[0].Key)
	}

	var topErr *TopologyError
	if !errors.As(err, &topErr) {
		t.Fatal("expected a topology cause in the chain")
	}
	if topErr.Version != 9 {
		t.Errorf("expected topology version 9, got %d", topErr.Version)
	}
	if topErr.ServerMissing {
		t.Error("locked-window failure is not the server-missing variant")
	}
}

// TestWireErrorRoundTrip tests rebuilding typed conditions from the wire form
func TestWireErrorRoundTrip(t *testing.T) {
	tests := []struct {
		wire         *WireError
		name         string
		wantTopology bool
		wantMissing  bool
	}{
		{
			name:         "topology error",
			wire:         &WireError{Message: "moved", Topology: true, Version: 7},
			wantTopology: true,
		},
		{
			name:         "server missing",
			wire:         &WireError{Message: "gone", Topology: true, ServerMissing: true, Version: 7},
			wantTopology: true,
			wantMissing:  true,
		},
		{
			name: "plain error",
			wire: &WireError{Message: "disk full"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wire.toError()

			var topErr *TopologyError
			isTopology := errors.As(err, &topErr)
			if isTopology != tt.wantTopology {
				t.Fatalf("topology classification = %v, want %v", isTopology, tt.wantTopology)
			}
			if isTopology {
				if topErr.ServerMissing != tt.wantMissing {
					t.Errorf("ServerMissing = %v, want %v", topErr.ServerMissing, tt.wantMissing)
				}
				if topErr.Version != tt.wire.Version {
					t.Errorf("Version = %d, want %d", topErr.Version, tt.wire.Version)
				}
			}
		})
	}
}
