package update

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stefanma/ignite/internal/cluster"
)

// OperationKind selects what the update does to the key.
type OperationKind int

const (
	// OpUpdate writes a value.
	OpUpdate OperationKind = iota
	// OpDelete removes the entry.
	OpDelete
	// OpTransform applies a named transform to the current value.
	OpTransform
)

func (k OperationKind) String() string {
	switch k {
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpTransform:
		return "transform"
	default:
		return fmt.Sprintf("operation(%d)", int(k))
	}
}

// SyncMode controls how many acknowledgments the caller waits for.
type SyncMode int

const (
	// SyncFull waits for the primary and every backup.
	SyncFull SyncMode = iota
	// SyncPrimary waits for the primary only.
	SyncPrimary
	// SyncNone fires and forgets.
	SyncNone
)

// Variant is the wire shape of the request, selected once at construction.
type Variant int

const (
	// VariantSingle is the compact plain-write shape.
	VariantSingle Variant = iota
	// VariantFilter is the compact shape carrying a value filter.
	VariantFilter
	// VariantTransform is the compact shape carrying a transform operand.
	VariantTransform
	// VariantFull is the multi-field shape; the only one able to carry an
	// expiry policy.
	VariantFull
)

// Filter is the conditional-write predicate: the update applies only when
// the entry's current value equals Expect.
type Filter struct {
	Expect []byte `json:"expect"`
}

// Transform names a server-side transform and its argument. The function
// itself never crosses the wire; nodes resolve the name locally, with the
// caller's subject and task hash injected alongside for execution context.
type Transform struct {
	Name string `json:"name"`
	Arg  []byte `json:"arg,omitempty"`
}

// ExpiryPolicy sets a time-to-live on the written entry.
type ExpiryPolicy struct {
	TTL time.Duration `json:"ttl"`
}

// DefaultRemapLimit bounds how many times one logical write re-enters the
// mapping protocol after retryable topology failures.
const DefaultRemapLimit = 100

// Options describes one logical single-key write. Immutable after the
// future is constructed.
type Options struct {
	Key          string
	Value        []byte
	Transform    *Transform
	Filter       *Filter
	Expiry       *ExpiryPolicy
	Op           OperationKind
	SyncMode     SyncMode
	ReturnValue  bool
	Subject      uuid.UUID
	TaskNameHash uint32
	SkipStore    bool
	KeepBinary   bool

	// WriteThrough reports that a durable write-through store backs the
	// cache; together with SkipStore it decides whether a topology failure
	// caught the value before it reached the store, which gates remapping.
	WriteThrough bool

	// RemapLimit bounds remap attempts; zero means DefaultRemapLimit.
	RemapLimit int

	// WaitTopology selects suspension over ErrTryAgain when topology is
	// not ready.
	WaitTopology bool

	// TopologyLocked marks the future as created inside a lock-held
	// topology window, where any forced wait is surfaced as a failure.
	TopologyLocked bool
}

func (o *Options) remapLimit() int {
	if o.RemapLimit > 0 {
		return o.RemapLimit
	}
	return DefaultRemapLimit
}

// Request is the wire request sent to the key's primary. Exactly one key is
// attached per request on this single-key path.
type Request struct {
	FutureID        uint64         `json:"future_id"`
	Target          cluster.NodeID `json:"target_node"`
	TopologyVersion uint64         `json:"topology_version"`
	TopologyLocked  bool           `json:"topology_locked"`
	SyncMode        SyncMode       `json:"sync_mode"`
	Op              OperationKind  `json:"operation_kind"`
	Variant         Variant        `json:"variant"`
	ReturnValue     bool           `json:"return_value"`
	Key             string         `json:"key"`
	Value           []byte         `json:"value,omitempty"`
	Transform       *Transform     `json:"transform,omitempty"`
	Filter          *Filter        `json:"filter,omitempty"`
	Expiry          *ExpiryPolicy  `json:"expiry,omitempty"`
	Subject         uuid.UUID      `json:"subject"`
	TaskNameHash    uint32         `json:"task_name_hash"`
	SkipStore       bool           `json:"skip_store"`
	KeepBinary      bool           `json:"keep_binary"`
}

// WireError carries a node-reported failure across the wire with enough
// structure to rebuild the typed condition on the near side.
type WireError struct {
	Message       string `json:"message"`
	Topology      bool   `json:"topology,omitempty"`
	ServerMissing bool   `json:"server_missing,omitempty"`
	Version       uint64 `json:"version,omitempty"`
}

func (w *WireError) toError() error {
	if w.Topology {
		return &TopologyError{Version: w.Version, Reason: w.Message, ServerMissing: w.ServerMissing}
	}
	return errors.New(w.Message)
}

// Response is the primary's reply. Backups is the acknowledgment set the
// future must drain before completing; absent and empty are equivalent here
// (no backups to await). RemapKeys marks keys the primary refused because
// its topology moved on.
type Response struct {
	FutureID   uint64           `json:"future_id"`
	Backups    []cluster.NodeID `json:"backup_set,omitempty"`
	Result     *Result          `json:"result,omitempty"`
	FailedKeys []string         `json:"failed_keys,omitempty"`
	Error      *WireError       `json:"error,omitempty"`
	RemapKeys  []string         `json:"remap_keys,omitempty"`
}

// BackupAck is a backup's acknowledgment. Backups is present only on the
// alternate delivery path where the acknowledging backup, not the primary,
// is the source of truth for the membership set.
type BackupAck struct {
	FutureID uint64           `json:"future_id"`
	Sender   cluster.NodeID   `json:"sender_node"`
	Backups  []cluster.NodeID `json:"backup_set,omitempty"`
	Result   *Result          `json:"result,omitempty"`
}

// Affinity is the slice of the affinity resolver the builder needs.
type Affinity interface {
	PrimaryFor(key string, ver uint64) (cluster.NodeID, error)
}

// buildRequest resolves the primary for the attempt's topology version and
// constructs the request in the right variant. An expiry policy forces the
// full variant because the compact shapes cannot carry expiry metadata.
func buildRequest(opts *Options, aff Affinity, topVer, futID uint64) (*Request, error) {
	if opts.Key == "" {
		return nil, errors.New("nil key")
	}
	if opts.Value == nil && opts.Op == OpUpdate {
		return nil, errors.New("nil value")
	}
	if opts.Transform == nil && opts.Op == OpTransform {
		return nil, errors.New("nil transform")
	}

	primary, err := aff.PrimaryFor(opts.Key, topVer)
	if err != nil {
		return nil, &TopologyError{
			Version:       topVer,
			Reason:        fmt.Sprintf("failed to map key to primary (all partition nodes left the grid): %v", err),
			ServerMissing: true,
		}
	}

	req := &Request{
		FutureID:        futID,
		Target:          primary,
		TopologyVersion: topVer,
		TopologyLocked:  opts.TopologyLocked,
		SyncMode:        opts.SyncMode,
		Op:              opts.Op,
		Variant:         selectVariant(opts),
		ReturnValue:     opts.ReturnValue,
		Key:             opts.Key,
		Subject:         opts.Subject,
		TaskNameHash:    opts.TaskNameHash,
		SkipStore:       opts.SkipStore,
		KeepBinary:      opts.KeepBinary,
	}

	switch req.Variant {
	case VariantSingle:
		req.Value = opts.Value
	case VariantFilter:
		req.Value = opts.Value
		req.Filter = opts.Filter
	case VariantTransform:
		req.Transform = opts.Transform
	case VariantFull:
		req.Value = opts.Value
		req.Transform = opts.Transform
		req.Filter = opts.Filter
		req.Expiry = opts.Expiry
	}

	return req, nil
}

// selectVariant picks the wire shape: expiry present forces the full
// variant, transforms and filters get their compact shapes, everything else
// is a plain single write.
func selectVariant(opts *Options) Variant {
	if opts.Expiry != nil {
		return VariantFull
	}
	if opts.Op == OpTransform {
		return VariantTransform
	}
	if opts.Filter != nil {
		return VariantFilter
	}
	return VariantSingle
}
