package update

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stefanma/ignite/internal/cluster"
	"github.com/stefanma/ignite/internal/topology"
)

const (
	primaryNode = cluster.NodeID("primary-1")
	backupNode  = cluster.NodeID("backup-1")
	backupNode2 = cluster.NodeID("backup-2")
)

// captureSender records every request the future sends and hands it to the
// test through a channel.
type captureSender struct {
	mu   sync.Mutex
	reqs []*Request
	ch   chan *Request
	err  error
}

func newCaptureSender() *captureSender {
	return &captureSender{ch: make(chan *Request, 16)}
}

func (s *captureSender) SendUpdate(_ context.Context, req *Request) error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	s.ch <- req
	return nil
}

func (s *captureSender) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

type nearRecorder struct {
	mu    sync.Mutex
	calls int
}

func (n *nearRecorder) Apply(*Request, *Response) {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
}

func (n *nearRecorder) applied() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type fixture struct {
	tracker  *topology.Tracker
	sender   *captureSender
	registry *Registry
	near     *nearRecorder
}

// newFixture wires a future's collaborators with topology version 1 already
// resolved.
func newFixture() *fixture {
	fx := &fixture{
		tracker:  topology.NewTracker(),
		sender:   newCaptureSender(),
		registry: NewRegistry(),
		near:     &nearRecorder{},
	}
	fx.tracker.Advance(1, nil)
	return fx
}

func (fx *fixture) future(opts Options) *Future {
	return NewFuture(context.Background(), Deps{
		Sender:   fx.sender,
		Affinity: staticAffinity{node: primaryNode},
		Registry: fx.registry,
		Topology: fx.tracker,
		Near:     fx.near,
	}, opts)
}

func (fx *fixture) awaitRequest(t *testing.T) *Request {
	t.Helper()
	select {
	case req := <-fx.sender.ch:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a request to be sent")
		return nil
	}
}

func await(t *testing.T, fut *Future) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := fut.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future did not complete")
	return res, err
}

func plainWrite() Options {
	return Options{
		Op:           OpUpdate,
		Key:          "k",
		Value:        []byte("v"),
		SyncMode:     SyncFull,
		WaitTopology: true,
	}
}

func failTopology(req *Request) *Response {
	return &Response{
		FutureID:   req.FutureID,
		FailedKeys: []string{req.Key},
		Error:      &WireError{Message: "moved", Topology: true, Version: req.TopologyVersion},
	}
}

// TestPlainWriteOneBackupNormalOrder drives the happy path: primary
// response defining one backup, then that backup's acknowledgment.
func TestPlainWriteOneBackupNormalOrder(t *testing.T) {
	fx := newFixture()
	fut := fx.future(plainWrite())
	fut.Submit()

	req := fx.awaitRequest(t)
	assert.Equal(t, primaryNode, req.Target)
	assert.Equal(t, uint64(1), req.TopologyVersion)
	assert.Equal(t, 1, fx.registry.Size(), "future must be registered before the send")

	fut.OnPrimaryResponse(primaryNode, &Response{
		FutureID: req.FutureID,
		Result:   &Result{Applied: true},
		Backups:  []cluster.NodeID{backupNode},
	})

	select {
	case <-fut.Done():
		t.Fatal("future completed before the backup acknowledged")
	default:
	}
	assert.Equal(t, 1, fx.registry.Size(), "awaiting backups keeps the future registered")

	fut.OnBackupAck(backupNode, &BackupAck{FutureID: req.FutureID, Sender: backupNode})

	res, err := await(t, fut)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 0, fx.registry.Size(), "completion must deregister exactly once")
}

// TestNoBackupsCompletesOnPrimaryResponse verifies an absent backup set
// means there is nothing to await.
func TestNoBackupsCompletesOnPrimaryResponse(t *testing.T) {
	fx := newFixture()
	fut := fx.future(plainWrite())
	fut.Submit()

	req := fx.awaitRequest(t)
	fut.OnPrimaryResponse(primaryNode, &Response{
		FutureID: req.FutureID,
		Result:   &Result{Applied: true},
	})

	res, err := await(t, fut)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, fx.near.applied(), "successful response must reach the near cache")
}

// TestEarlyAckOrderIndependence delivers a backup acknowledgment before and
// after the primary response that defines the set; both orders must yield
// the same outcome.
func TestEarlyAckOrderIndependence(t *testing.T) {
	run := func(ackFirst bool) *Result {
		fx := newFixture()
		fut := fx.future(plainWrite())
		fut.Submit()

		req := fx.awaitRequest(t)
		resp := &Response{
			FutureID: req.FutureID,
			Result:   &Result{Applied: true, Value: []byte("prev")},
			Backups:  []cluster.NodeID{backupNode},
		}
		ack := &BackupAck{FutureID: req.FutureID, Sender: backupNode}

		if ackFirst {
			fut.OnBackupAck(backupNode, ack)
			fut.OnPrimaryResponse(primaryNode, resp)
		} else {
			fut.OnPrimaryResponse(primaryNode, resp)
			fut.OnBackupAck(backupNode, ack)
		}

		res, err := await(t, fut)
		require.NoError(t, err)
		return res
	}

	normal := run(false)
	early := run(true)
	assert.Equal(t, normal, early, "delivery order must not change the final result")
}

// TestDuplicateDeliveriesAreIgnored verifies duplicate-safety: the same
// primary response twice, and an acknowledgment with a stale future ID,
// produce no observable change the second time.
func TestDuplicateDeliveriesAreIgnored(t *testing.T) {
	fx := newFixture()
	fut := fx.future(plainWrite())
	fut.Submit()

	req := fx.awaitRequest(t)
	resp := &Response{
		FutureID: req.FutureID,
		Result:   &Result{Applied: true},
		Backups:  []cluster.NodeID{backupNode},
	}

	fut.OnPrimaryResponse(primaryNode, resp)
	fut.OnPrimaryResponse(primaryNode, resp) // duplicate: no outstanding request
	fut.OnBackupAck(backupNode, &BackupAck{FutureID: req.FutureID + 100, Sender: backupNode})

	select {
	case <-fut.Done():
		t.Fatal("stale deliveries must not complete the future")
	default:
	}

	fut.OnBackupAck(backupNode, &BackupAck{FutureID: req.FutureID, Sender: backupNode})
	_, err := await(t, fut)
	require.NoError(t, err)

	// Deliveries after completion are rejected by the identifier check.
	fut.OnPrimaryResponse(primaryNode, resp)
	fut.OnBackupAck(backupNode, &BackupAck{FutureID: req.FutureID, Sender: backupNode})
}

// TestAckWithAlternateMapping exercises the delivery path where the backup,
// not the primary, supplies the membership set.
func TestAckWithAlternateMapping(t *testing.T) {
	fx := newFixture()
	fut := fx.future(plainWrite())
	fut.Submit()

	req := fx.awaitRequest(t)

	fut.OnBackupAck(backupNode, &BackupAck{
		FutureID: req.FutureID,
		Sender:   backupNode,
		Backups:  []cluster.NodeID{backupNode, backupNode2},
		Result:   &Result{Applied: true},
	})

	select {
	case <-fut.Done():
		t.Fatal("one of two backups must not complete the future")
	default:
	}

	fut.OnBackupAck(backupNode2, &BackupAck{FutureID: req.FutureID, Sender: backupNode2})

	res, err := await(t, fut)
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

// TestAckSuppliedSetFiltersDepartedBackups verifies the liveness filter on
// the alternate delivery path: a backup that left before the membership set
// was known must not be waited on when the set arrives on an ack.
func TestAckSuppliedSetFiltersDepartedBackups(t *testing.T) {
	fx := newFixture()
	departed := cluster.NodeID("backup-gone")
	fut := NewFuture(context.Background(), Deps{
		Sender:   fx.sender,
		Affinity: staticAffinity{node: primaryNode},
		Registry: fx.registry,
		Topology: fx.tracker,
		Alive:    func(id cluster.NodeID) bool { return id != departed },
	}, plainWrite())
	fut.Submit()

	req := fx.awaitRequest(t)

	// The departure fans out before any set is known, so it is a no-op;
	// only the membership filter can keep the departed node out.
	fut.OnNodeLeft(departed)

	fut.OnBackupAck(backupNode, &BackupAck{
		FutureID: req.FutureID,
		Sender:   backupNode,
		Backups:  []cluster.NodeID{backupNode, departed},
		Result:   &Result{Applied: true},
	})

	res, err := await(t, fut)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 0, fx.registry.Size())
}

// TestPrimaryDepartureFailsOutstandingKey covers a primary leaving with the
// request outstanding and no response recorded.
func TestPrimaryDepartureFailsOutstandingKey(t *testing.T) {
	fx := newFixture()
	fut := fx.future(plainWrite())
	fut.Submit()

	fx.awaitRequest(t)
	fut.OnNodeLeft(primaryNode)

	_, err := await(t, fut)
	var partial *PartialError
	require.ErrorAs(t, err, &partial)

	failures := partial.Failures()
	require.Len(t, failures, 1, "the condition must be attributed to the one outstanding key")
	assert.Equal(t, "k", failures[0].Key)
	assert.Equal(t, uint64(1), failures[0].Version)

	var topErr *TopologyError
	assert.ErrorAs(t, err, &topErr)
	assert.Equal(t, 0, fx.near.applied(), "a node-level failure must not touch the near cache")
}

// TestBackupDepartureDrainsSet covers a pending backup leaving after the
// result is recorded.
func TestBackupDepartureDrainsSet(t *testing.T) {
	fx := newFixture()
	fut := fx.future(plainWrite())
	fut.Submit()

	req := fx.awaitRequest(t)
	fut.OnPrimaryResponse(primaryNode, &Response{
		FutureID: req.FutureID,
		Result:   &Result{Applied: true},
		Backups:  []cluster.NodeID{backupNode, backupNode2},
	})

	fut.OnBackupAck(backupNode, &BackupAck{FutureID: req.FutureID, Sender: backupNode})
	fut.OnNodeLeft(backupNode2)

	res, err := await(t, fut)
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

// TestIrrelevantDepartureIsIgnored verifies departures of nodes that are
// neither the primary nor a pending backup change nothing.
func TestIrrelevantDepartureIsIgnored(t *testing.T) {
	fx := newFixture()
	fut := fx.future(plainWrite())
	fut.Submit()

	req := fx.awaitRequest(t)
	fut.OnNodeLeft(cluster.NodeID("bystander"))

	fut.OnPrimaryResponse(primaryNode, &Response{FutureID: req.FutureID, Result: &Result{Applied: true}})
	res, err := await(t, fut)
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

// TestServerNotFoundIsPermanent covers no-primary-available on initial
// mapping: immediate permanent error, no remap attempted.
func TestServerNotFoundIsPermanent(t *testing.T) {
	fx := newFixture()
	fut := NewFuture(context.Background(), Deps{
		Sender:   fx.sender,
		Affinity: staticAffinity{err: errors.New("all partition nodes left")},
		Registry: fx.registry,
		Topology: fx.tracker,
	}, plainWrite())
	fut.Submit()

	_, err := await(t, fut)
	var topErr *TopologyError
	require.ErrorAs(t, err, &topErr)
	assert.True(t, topErr.ServerMissing)
	assert.Equal(t, 0, fx.sender.sent(), "no request may be sent without a primary")
	assert.Equal(t, 0, fx.registry.Size(), "failed mapping must deregister")
}

// TestRemapBound verifies a future with remap budget N completes with a
// terminal error after exactly N remaps, never N+1.
func TestRemapBound(t *testing.T) {
	const budget = 2

	fx := newFixture()
	opts := plainWrite()
	opts.WriteThrough = true
	opts.RemapLimit = budget
	fut := fx.future(opts)
	fut.Submit()

	for attempt := 0; attempt <= budget; attempt++ {
		req := fx.awaitRequest(t)
		assert.Equal(t, uint64(attempt+1), req.TopologyVersion)
		fx.tracker.Advance(uint64(attempt+2), nil)
		fut.OnPrimaryResponse(primaryNode, failTopology(req))
	}

	_, err := await(t, fut)
	var partial *PartialError
	require.ErrorAs(t, err, &partial)

	assert.Equal(t, budget+1, fx.sender.sent(), "budget N allows exactly N+1 attempts")

	select {
	case req := <-fx.sender.ch:
		t.Fatalf("unexpected extra attempt at version %d", req.TopologyVersion)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestRemapDiscardsAccumulatedState verifies a remapped attempt starts
// clean: the completion value is the retry's result, never merged with the
// discarded first attempt.
func TestRemapDiscardsAccumulatedState(t *testing.T) {
	fx := newFixture()
	opts := Options{
		Op:           OpTransform,
		Key:          "k",
		Transform:    &Transform{Name: "append", Arg: []byte("x")},
		SyncMode:     SyncFull,
		WaitTopology: true,
		WriteThrough: true,
		RemapLimit:   3,
	}
	fut := fx.future(opts)
	fut.Submit()

	req := fx.awaitRequest(t)

	// A racing delivery recorded a first-attempt output before the attempt
	// failed with a retryable topology condition.
	fut.mu.Lock()
	fut.res = &Result{Applied: true, Out: map[string][]byte{"k": []byte("v1")}}
	fut.mu.Unlock()

	fx.tracker.Advance(2, nil)
	fut.OnPrimaryResponse(primaryNode, failTopology(req))

	req2 := fx.awaitRequest(t)
	assert.Equal(t, uint64(2), req2.TopologyVersion)
	fut.OnPrimaryResponse(primaryNode, &Response{
		FutureID: req2.FutureID,
		Result:   &Result{Applied: true, Out: map[string][]byte{"k": []byte("v2")}},
	})

	res, err := await(t, fut)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"k": []byte("v2")}, res.Out,
		"the discarded attempt's output must not survive the remap")
}

// TestRemapKeysMarker covers the primary explicitly requesting a remap.
func TestRemapKeysMarker(t *testing.T) {
	fx := newFixture()
	fut := fx.future(plainWrite())
	fut.Submit()

	req := fx.awaitRequest(t)
	fx.tracker.Advance(2, nil)
	fut.OnPrimaryResponse(primaryNode, &Response{
		FutureID:  req.FutureID,
		RemapKeys: []string{"k"},
	})

	req2 := fx.awaitRequest(t)
	assert.Equal(t, uint64(2), req2.TopologyVersion)
	assert.NotEqual(t, req.FutureID, req2.FutureID, "a remapped attempt gets a fresh identifier")

	fut.OnPrimaryResponse(primaryNode, &Response{FutureID: req2.FutureID, Result: &Result{Applied: true}})
	res, err := await(t, fut)
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

// TestStoreReachedIsTerminal verifies a topology failure after the durable
// store was reached does not remap.
func TestStoreReachedIsTerminal(t *testing.T) {
	fx := newFixture()
	opts := plainWrite()
	opts.WriteThrough = false
	fut := fx.future(opts)
	fut.Submit()

	req := fx.awaitRequest(t)
	fut.OnPrimaryResponse(primaryNode, failTopology(req))

	_, err := await(t, fut)
	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 1, fx.sender.sent())
}

// TestErrorWithoutFailedKeysCompletesVerbatim covers the bypass for node
// errors that carry no failed-key set.
func TestErrorWithoutFailedKeysCompletesVerbatim(t *testing.T) {
	fx := newFixture()
	fut := fx.future(plainWrite())
	fut.Submit()

	req := fx.awaitRequest(t)
	fut.OnPrimaryResponse(primaryNode, &Response{
		FutureID: req.FutureID,
		Error:    &WireError{Message: "disk full"},
	})

	_, err := await(t, fut)
	require.EqualError(t, err, "disk full")
	var partial *PartialError
	assert.False(t, errors.As(err, &partial), "the bypass must not wrap in a partial error")
}

// TestSendFailureRunsFailurePath verifies a transport failure feeds the
// normal topology-failure path without touching the near cache.
func TestSendFailureRunsFailurePath(t *testing.T) {
	fx := newFixture()
	fx.sender.err = errors.New("connection refused")
	fut := fx.future(plainWrite())
	fut.Submit()

	_, err := await(t, fut)
	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	var topErr *TopologyError
	assert.ErrorAs(t, err, &topErr)
	assert.Equal(t, 0, fx.near.applied())
}

// TestTryAgainWithoutTopologyWait covers WaitTopology=false while no
// version is resolved.
func TestTryAgainWithoutTopologyWait(t *testing.T) {
	fx := newFixture()
	fx.tracker = topology.NewTracker() // nothing resolved
	opts := plainWrite()
	opts.WaitTopology = false
	fut := fx.future(opts)
	fut.Submit()

	_, err := await(t, fut)
	assert.ErrorIs(t, err, ErrTryAgain)
}

// TestTopologyLockedFailsFast covers the locked-window redesign: a forced
// wait surfaces a topology race instead of suspending.
func TestTopologyLockedFailsFast(t *testing.T) {
	fx := newFixture()
	fx.tracker = topology.NewTracker()
	opts := plainWrite()
	opts.TopologyLocked = true
	fut := fx.future(opts)
	fut.Submit()

	_, err := await(t, fut)
	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	var topErr *TopologyError
	assert.ErrorAs(t, err, &topErr)
}

// TestWaitsForTopologyResolution verifies the continuation re-enters the
// mapping protocol once a version resolves, without blocking any thread.
func TestWaitsForTopologyResolution(t *testing.T) {
	fx := newFixture()
	fx.tracker = topology.NewTracker()
	fut := fx.future(plainWrite())
	fut.Submit()

	select {
	case <-fx.sender.ch:
		t.Fatal("nothing may be sent before topology resolves")
	case <-time.After(50 * time.Millisecond):
	}

	fx.tracker.Advance(4, nil)

	req := fx.awaitRequest(t)
	assert.Equal(t, uint64(4), req.TopologyVersion)

	fut.OnPrimaryResponse(primaryNode, &Response{FutureID: req.FutureID, Result: &Result{Applied: true}})
	res, err := await(t, fut)
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

// TestCacheStoppingIsFatal covers shutdown racing a submission.
func TestCacheStoppingIsFatal(t *testing.T) {
	fx := newFixture()
	fx.tracker.Stop()
	fut := fx.future(plainWrite())
	fut.Submit()

	_, err := await(t, fut)
	assert.ErrorIs(t, err, ErrCacheStopping)
}

// TestValidationFailureIsTerminal covers a resolved version whose cache
// validation fails.
func TestValidationFailureIsTerminal(t *testing.T) {
	fx := newFixture()
	fx.tracker.Advance(2, errors.New("lost partitions"))
	fut := fx.future(plainWrite())
	fut.Submit()

	_, err := await(t, fut)
	require.EqualError(t, err, "lost partitions")
	assert.Equal(t, 0, fx.sender.sent())
}

// TestTransformCompletesWithMap verifies a transform never completes with a
// nil output map.
func TestTransformCompletesWithMap(t *testing.T) {
	fx := newFixture()
	opts := Options{
		Op:           OpTransform,
		Key:          "k",
		Transform:    &Transform{Name: "append"},
		WaitTopology: true,
	}
	fut := fx.future(opts)
	fut.Submit()

	req := fx.awaitRequest(t)
	fut.OnPrimaryResponse(primaryNode, &Response{FutureID: req.FutureID})

	res, err := await(t, fut)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NotNil(t, res.Out)
	assert.Empty(t, res.Out)
}

// TestAtMostOnceCompletionUnderRace hammers one future with concurrent
// response, acknowledgment, and departure callbacks; the completion signal
// must fire exactly once (a double close of Done would panic).
func TestAtMostOnceCompletionUnderRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		fx := newFixture()
		fut := fx.future(plainWrite())
		fut.Submit()

		req := fx.awaitRequest(t)
		resp := &Response{
			FutureID: req.FutureID,
			Result:   &Result{Applied: true},
			Backups:  []cluster.NodeID{backupNode},
		}
		ack := &BackupAck{FutureID: req.FutureID, Sender: backupNode}

		var wg sync.WaitGroup
		wg.Add(4)
		go func() { defer wg.Done(); fut.OnPrimaryResponse(primaryNode, resp) }()
		go func() { defer wg.Done(); fut.OnBackupAck(backupNode, ack) }()
		go func() { defer wg.Done(); fut.OnBackupAck(backupNode, ack) }()
		go func() { defer wg.Done(); fut.OnNodeLeft(backupNode) }()
		wg.Wait()

		res, err := await(t, fut)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, 0, fx.registry.Size())
	}
}
