package update

import (
	"errors"
	"testing"
	"time"

	"github.com/stefanma/ignite/internal/cluster"
)

type staticAffinity struct {
	node cluster.NodeID
	err  error
}

func (s staticAffinity) PrimaryFor(string, uint64) (cluster.NodeID, error) {
	return s.node, s.err
}

// TestSelectVariant tests the wire-shape selection rule
func TestSelectVariant(t *testing.T) {
	tests := []struct {
		opts Options
		name string
		want Variant
	}{
		{
			name: "plain write",
			opts: Options{Op: OpUpdate, Key: "k", Value: []byte("v")},
			want: VariantSingle,
		},
		{
			name: "delete",
			opts: Options{Op: OpDelete, Key: "k"},
			want: VariantSingle,
		},
		{
			name: "filtered write",
			opts: Options{Op: OpUpdate, Key: "k", Value: []byte("v"), Filter: &Filter{Expect: []byte("old")}},
			want: VariantFilter,
		},
		{
			name: "transform",
			opts: Options{Op: OpTransform, Key: "k", Transform: &Transform{Name: "append"}},
			want: VariantTransform,
		},
		{
			name: "expiry forces full variant",
			opts: Options{Op: OpUpdate, Key: "k", Value: []byte("v"), Expiry: &ExpiryPolicy{TTL: time.Minute}},
			want: VariantFull,
		},
		{
			name: "expiry wins over filter",
			opts: Options{
				Op: OpUpdate, Key: "k", Value: []byte("v"),
				Filter: &Filter{Expect: []byte("old")},
				Expiry: &ExpiryPolicy{TTL: time.Minute},
			},
			want: VariantFull,
		},
		{
			name: "expiry wins over transform",
			opts: Options{
				Op: OpTransform, Key: "k",
				Transform: &Transform{Name: "append"},
				Expiry:    &ExpiryPolicy{TTL: time.Minute},
			},
			want: VariantFull,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectVariant(&tt.opts); got != tt.want {
				t.Errorf("selectVariant() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestBuildRequest tests request construction against a resolved primary
func TestBuildRequest(t *testing.T) {
	aff := staticAffinity{node: "node-1"}

	t.Run("carries identity and routing fields", func(t *testing.T) {
		opts := Options{
			Op: OpUpdate, Key: "user:1", Value: []byte("v"),
			SyncMode: SyncFull, TopologyLocked: true, SkipStore: true, KeepBinary: true,
			TaskNameHash: 42,
		}

		req, err := buildRequest(&opts, aff, 7, 99)
		if err != nil {
			t.Fatalf("buildRequest failed: %v", err)
		}

		if req.FutureID != 99 {
			t.Errorf("FutureID = %d, want 99", req.FutureID)
		}
		if req.Target != "node-1" {
			t.Errorf("Target = %s, want node-1", req.Target)
		}
		if req.TopologyVersion != 7 {
			t.Errorf("TopologyVersion = %d, want 7", req.TopologyVersion)
		}
		if !req.TopologyLocked || !req.SkipStore || !req.KeepBinary {
			t.Error("flag fields not carried through")
		}
		if req.TaskNameHash != 42 {
			t.Errorf("TaskNameHash = %d, want 42", req.TaskNameHash)
		}
		if req.Key != "user:1" {
			t.Errorf("exactly one key must be attached, got %q", req.Key)
		}
	})

	t.Run("full variant carries expiry, compact variants cannot", func(t *testing.T) {
		opts := Options{Op: OpUpdate, Key: "k", Value: []byte("v"), Expiry: &ExpiryPolicy{TTL: time.Second}}
		req, err := buildRequest(&opts, aff, 1, 1)
		if err != nil {
			t.Fatalf("buildRequest failed: %v", err)
		}
		if req.Variant != VariantFull || req.Expiry == nil {
			t.Fatal("expiry must force the full variant and travel on it")
		}

		opts.Expiry = nil
		req, err = buildRequest(&opts, aff, 1, 1)
		if err != nil {
			t.Fatalf("buildRequest failed: %v", err)
		}
		if req.Expiry != nil {
			t.Error("compact variant must not carry expiry metadata")
		}
	})

	t.Run("nil key rejected", func(t *testing.T) {
		opts := Options{Op: OpUpdate, Value: []byte("v")}
		if _, err := buildRequest(&opts, aff, 1, 1); err == nil {
			t.Fatal("expected error for nil key")
		}
	})

	t.Run("nil value rejected for writes but not deletes", func(t *testing.T) {
		opts := Options{Op: OpUpdate, Key: "k"}
		if _, err := buildRequest(&opts, aff, 1, 1); err == nil {
			t.Fatal("expected error for nil value")
		}

		opts = Options{Op: OpDelete, Key: "k"}
		if _, err := buildRequest(&opts, aff, 1, 1); err != nil {
			t.Fatalf("delete must not require a value: %v", err)
		}
	})

	t.Run("unresolvable primary is the permanent server-missing condition", func(t *testing.T) {
		failing := staticAffinity{err: errors.New("no owners alive")}
		opts := Options{Op: OpUpdate, Key: "k", Value: []byte("v")}

		_, err := buildRequest(&opts, failing, 5, 1)
		var topErr *TopologyError
		if !errors.As(err, &topErr) {
			t.Fatalf("expected a topology error, got %v", err)
		}
		if !topErr.ServerMissing {
			t.Error("resolution failure must be the server-missing variant")
		}
		if topErr.Version != 5 {
			t.Errorf("Version = %d, want 5", topErr.Version)
		}
	})
}
