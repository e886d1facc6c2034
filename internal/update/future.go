package update

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/stefanma/ignite/internal/cluster"
)

// Sender delivers a request to its target primary. Implementations must not
// be called while holding future locks; the future guarantees that.
type Sender interface {
	SendUpdate(ctx context.Context, req *Request) error
}

// NearUpdater applies a successful response to the near-side read mirror.
// Fire-and-forget, best-effort.
type NearUpdater interface {
	Apply(req *Request, res *Response)
}

// TopologyService is the slice of the topology tracker the future consumes.
type TopologyService interface {
	ReadLock()
	ReadUnlock()
	Stopping() bool
	Ready() (uint64, bool)
	Validate() error
	Latest() uint64
	AwaitReady(minVer uint64, fn func())
}

// Deps bundles the collaborators a future needs. Registry, Sender, Affinity
// and Topology are required; Near and Alive are optional.
type Deps struct {
	Sender   Sender
	Affinity Affinity
	Registry *Registry
	Topology TopologyService

	// Near, when set, mirrors successful results into the local read cache.
	Near NearUpdater

	// Alive, when set, filters freshly established backup sets down to
	// members still known to the cluster, covering backups that departed
	// before the set was known.
	Alive func(cluster.NodeID) bool
}

// Future owns the lifecycle of one logical single-key write from submission
// to completion: registration, primary routing, response folding, backup
// acknowledgment draining, and remap orchestration.
//
// All mutable state is guarded by one exclusive lock. Callbacks arrive
// concurrently from I/O completions, backup acknowledgments, membership
// notifications, and topology continuations; each transition runs its
// bookkeeping under the lock and performs every externally visible effect
// (completing the caller-visible signal, near-cache application, sends,
// continuation registration) after releasing it, using values captured
// while it was held.
type Future struct {
	deps Deps
	opts Options
	ctx  context.Context

	mu         sync.Mutex
	futID      uint64   // 0 while unregistered, retracted on completion/remap
	topVer     uint64
	req        *Request // in-flight request; nil once the primary responded
	backups    map[cluster.NodeID]struct{}
	earlyAcks  map[cluster.NodeID]struct{}
	res        *Result
	err        *PartialError
	remapFloor uint64 // highest version known to require a remap
	remaps     int    // remaining remap budget
	finished   bool

	done     chan struct{}
	finalRes *Result
	finalErr error
}

// NewFuture creates a future for one logical write. The context bounds all
// sends made on the future's behalf. Submit starts the protocol.
func NewFuture(ctx context.Context, deps Deps, opts Options) *Future {
	return &Future{
		deps:   deps,
		opts:   opts,
		ctx:    ctx,
		remaps: opts.remapLimit(),
		done:   make(chan struct{}),
	}
}

// Submit enters the mapping protocol. It never blocks; completion is
// observed through Done or Await.
func (f *Future) Submit() {
	f.MapOnTopology()
}

// ID returns the current future identifier, or zero when the future is not
// registered (completed, or retracted for a remap in progress).
func (f *Future) ID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.futID
}

// Done is closed exactly once, when the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until completion or context cancellation and returns the
// final outcome.
func (f *Future) Await(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.finalRes, f.finalErr
	}
}

// MapOnTopology maps (or re-maps) the future against the current topology.
// It acquires the topology read guard for a consistent view, fails out if
// the cache is stopping or the ready version fails validation, registers
// the future, and enters map. When no version is resolved yet, it either
// registers a continuation that re-enters this method (WaitTopology), fails
// fast (TopologyLocked: topology is fixed inside a locked window, so a
// forced wait is a race to surface), or completes with the try-again signal.
func (f *Future) MapOnTopology() {
	topo := f.deps.Topology

	topo.ReadLock()

	if topo.Stopping() {
		topo.ReadUnlock()
		f.finish(nil, fmt.Errorf("failed to perform cache operation: %w", ErrCacheStopping))
		return
	}

	ver, ok := topo.Ready()
	if !ok {
		topo.ReadUnlock()

		if !f.opts.WaitTopology {
			f.finish(nil, ErrTryAgain)
			return
		}
		if f.opts.TopologyLocked {
			f.finish(nil, topologyLockedError(f.opts.Key, topo.Latest()))
			return
		}

		topo.AwaitReady(0, f.MapOnTopology)
		return
	}

	if err := topo.Validate(); err != nil {
		topo.ReadUnlock()
		f.finish(nil, err)
		return
	}

	// Register before releasing the guard so the identifier is bound to
	// this consistent topology view, and before any send so a reply can
	// never beat registration.
	futID := f.deps.Registry.Register(f)

	topo.ReadUnlock()

	f.mapAttempt(ver, futID)
}

// mapAttempt builds the request for one attempt against a resolved topology
// version and sends it to the primary. Resolution failures (no live owner)
// complete the future immediately with the permanent server-missing
// condition.
func (f *Future) mapAttempt(topVer, futID uint64) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		f.deps.Registry.Deregister(futID)
		return
	}
	f.futID = futID
	f.topVer = topVer
	f.mu.Unlock()

	req, err := buildRequest(&f.opts, f.deps.Affinity, topVer, futID)
	if err != nil {
		f.finish(nil, err)
		return
	}

	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	f.req = req
	f.mu.Unlock()

	if err := f.deps.Sender.SendUpdate(f.ctx, req); err != nil {
		f.onSendError(req, err)
	}
}

// onSendError feeds a transport failure through the normal failure path as
// a synthesized topology-change response, the same shape a primary
// departure produces, so the remap machinery sees one kind of failure.
func (f *Future) onSendError(req *Request, err error) {
	res := &Response{
		FutureID:   req.FutureID,
		FailedKeys: []string{req.Key},
		Error: &WireError{
			Message:  fmt.Sprintf("failed to send update request to primary %s: %v", req.Target, err),
			Topology: true,
			Version:  req.TopologyVersion,
		},
	}

	f.onPrimaryResponse(req.Target, res, true)
}

// OnPrimaryResponse folds the primary's response into the future state.
// Stale and duplicate deliveries (wrong future ID, unexpected sender, or no
// request outstanding) are ignored.
func (f *Future) OnPrimaryResponse(node cluster.NodeID, res *Response) {
	f.onPrimaryResponse(node, res, false)
}

func (f *Future) onPrimaryResponse(node cluster.NodeID, res *Response, nodeErr bool) {
	var (
		remapVer  uint64
		oldID     uint64
		doFinish  bool
		finishRes *Result
		finishErr error
	)

	f.mu.Lock()

	if f.finished || f.futID == 0 || f.futID != res.FutureID {
		f.mu.Unlock()
		return
	}
	if f.req == nil || f.req.Target != node {
		f.mu.Unlock()
		return
	}

	req := f.req
	f.req = nil

	remapRequested := len(res.RemapKeys) > 0

	switch {
	case remapRequested:
		if f.remapFloor < req.TopologyVersion {
			f.remapFloor = req.TopologyVersion
		}

	case res.Error != nil:
		if len(res.FailedKeys) > 0 {
			if f.err == nil {
				f.err = newPartialError()
			}
			cause := res.Error.toError()
			for _, key := range res.FailedKeys {
				f.err.Add(key, req.TopologyVersion, cause)
			}
		}

	default:
		if f.opts.Op == OpTransform {
			if res.Result != nil && res.Result.Out != nil {
				if f.res != nil {
					f.res.mergeTransform(res.Result)
				} else {
					f.res = res.Result
				}
			}
		} else {
			f.res = res.Result
		}

		f.initBackups(res.Backups)

		if len(f.backups) > 0 {
			// Awaiting backups; acknowledgments complete the future.
			f.mu.Unlock()
			return
		}
	}

	// Terminal disposition: remap, retryable-topology conversion, or
	// completion with whatever result/error pair has been assembled.
	if remapRequested {
		remapVer = f.deps.Topology.Latest()
		if remapVer < f.remapFloor {
			remapVer = f.remapFloor
		}
	} else if cause, ok := retryableTopologyCause(f.err, f.storePending()); ok && f.remaps > 0 {
		f.remaps--
		remapVer = cause.Version + 1
		// The discarded error is not surfaced; an equivalent one is
		// raised again if the retry also fails.
		f.err = nil
	}

	if remapVer == 0 {
		doFinish = true
		finishRes = f.res
		if f.err != nil {
			finishErr = f.err
		}
	} else {
		oldID = f.futID
		f.futID = 0
		f.topVer = 0
		f.res = nil
		f.err = nil
		f.backups = nil
		f.earlyAcks = nil
	}

	f.mu.Unlock()

	if oldID != 0 {
		f.deps.Registry.Deregister(oldID)
	}

	// An error response with no failed-key set bypasses merging and
	// completes the future with that error verbatim.
	if res.Error != nil && res.FailedKeys == nil {
		f.finish(nil, res.Error.toError())
		return
	}

	if f.deps.Near != nil && !nodeErr {
		f.deps.Near.Apply(req, res)
	}

	if remapVer != 0 {
		if !f.opts.WaitTopology {
			f.finish(nil, ErrTryAgain)
			return
		}
		if f.opts.TopologyLocked {
			f.finish(nil, topologyLockedError(f.opts.Key, remapVer))
			return
		}

		log.Printf("remapping update for key %q to topology version %d (future %d retracted)",
			f.opts.Key, remapVer, res.FutureID)

		f.deps.Topology.AwaitReady(remapVer, f.MapOnTopology)
		return
	}

	if doFinish {
		f.finish(finishRes, finishErr)
	}
}

// initBackups establishes the acknowledgment set from the primary's
// response, subtracting acknowledgments that raced ahead of it. An absent
// set means there are no backups to await.
func (f *Future) initBackups(nodes []cluster.NodeID) {
	f.backups = make(map[cluster.NodeID]struct{}, len(nodes))
	for _, n := range nodes {
		if f.deps.Alive != nil && !f.deps.Alive(n) {
			continue
		}
		if _, early := f.earlyAcks[n]; early {
			continue
		}
		f.backups[n] = struct{}{}
	}
}

// OnBackupAck folds a backup acknowledgment into the future state. Before
// the backup set is known, senders are parked in the early-ack set until
// the primary's response defines membership, unless the ack itself carries
// the set (the alternate delivery path, where the backup is the source of
// truth and no early-ack reconciliation applies).
func (f *Future) OnBackupAck(node cluster.NodeID, ack *BackupAck) {
	var (
		completeRes *Result
		oldID       uint64
	)

	f.mu.Lock()

	if f.finished || f.futID == 0 || f.futID != ack.FutureID {
		f.mu.Unlock()
		return
	}

	if ack.Backups != nil {
		if f.backups == nil {
			// Same liveness filter as the primary path: a backup that
			// departed before the set was known already had its node-left
			// event delivered as a no-op and would never acknowledge.
			set := make(map[cluster.NodeID]struct{}, len(ack.Backups))
			for _, n := range ack.Backups {
				if f.deps.Alive != nil && !f.deps.Alive(n) {
					continue
				}
				set[n] = struct{}{}
			}
			f.backups = set
		}
		delete(f.backups, node)
	} else {
		if f.backups == nil {
			// Ack raced ahead of the primary response that defines the
			// set; park it.
			if f.earlyAcks == nil {
				f.earlyAcks = make(map[cluster.NodeID]struct{})
			}
			f.earlyAcks[node] = struct{}{}
			f.mu.Unlock()
			return
		}
		delete(f.backups, node)
	}

	if f.res == nil && ack.Result != nil {
		f.res = ack.Result
	}

	if len(f.backups) == 0 && f.res != nil {
		completeRes = f.res
		oldID = f.futID
		f.futID = 0
	}

	f.mu.Unlock()

	if completeRes != nil {
		f.deps.Registry.Deregister(oldID)
		f.finish(completeRes, nil)
	}
}

// OnNodeLeft handles a node-departure notification. A departed primary with
// no response yet recorded fails the outstanding key with a synthesized
// topology-change response through the normal failure path; a departed
// pending backup is simply removed from the acknowledgment set, completing
// the future if it was the last one and a result is present.
func (f *Future) OnNodeLeft(node cluster.NodeID) {
	var (
		synth       *Response
		completeRes *Result
		oldID       uint64
	)

	f.mu.Lock()

	if f.finished {
		f.mu.Unlock()
		return
	}

	if f.req != nil && f.req.Target == node {
		synth = &Response{
			FutureID:   f.req.FutureID,
			FailedKeys: []string{f.req.Key},
			Error: &WireError{
				Message:  fmt.Sprintf("primary node left grid before response is received: %s", node),
				Topology: true,
				Version:  f.req.TopologyVersion,
			},
		}
	} else if f.backups != nil {
		if _, pending := f.backups[node]; pending {
			delete(f.backups, node)
			if len(f.backups) == 0 && f.res != nil {
				completeRes = f.res
				oldID = f.futID
				f.futID = 0
			}
		}
	}

	f.mu.Unlock()

	if synth != nil {
		log.Printf("primary %s left with update in flight (future %d), failing attempt", node, synth.FutureID)
		f.onPrimaryResponse(node, synth, true)
		return
	}

	if completeRes != nil {
		f.deps.Registry.Deregister(oldID)
		f.finish(completeRes, nil)
	}
}

// storePending reports whether the write mode implies the primary had not
// yet durably stored the value when the attempt failed, which is a
// precondition for a remap being able to help.
func (f *Future) storePending() bool {
	return f.opts.WriteThrough && !f.opts.SkipStore
}

// finish completes the future at most once: it retracts and deregisters the
// future identifier, records the outcome, and closes the completion signal.
// Later duplicate callbacks are rejected by the identifier check before
// they can observe any state.
func (f *Future) finish(res *Result, err error) bool {
	f.mu.Lock()

	if f.finished {
		f.mu.Unlock()
		return false
	}
	f.finished = true

	oldID := f.futID
	f.futID = 0

	if err == nil && f.opts.Op == OpTransform {
		// A transform always completes with a map, possibly empty.
		if res == nil {
			res = &Result{Applied: true}
		}
		if res.Out == nil {
			res.Out = map[string][]byte{}
		}
	}

	f.finalRes = res
	f.finalErr = err

	f.mu.Unlock()

	if oldID != 0 {
		f.deps.Registry.Deregister(oldID)
	}

	close(f.done)
	return true
}
