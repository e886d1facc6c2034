// Package topology tracks topology-version readiness for the update
// protocol and watches node liveness. See doc.go for package documentation.
package topology

import "sync"

// Tracker is the readiness service for topology versions.
//
// At any moment the grid is either settled on a resolved version or in the
// middle of an exchange (StartExchange..Advance window). Callers that need
// a consistent view of that state (resolved version, stopping flag,
// validation outcome) hold the read guard across their checks:
//
//	t.ReadLock()
//	defer t.ReadUnlock()
//	if ver, ok := t.Ready(); ok { ... }
//
// Waiting for a resolved version is never a blocking call: AwaitReady
// registers a continuation that is invoked exactly once, on a fresh
// goroutine, when a version at least as new as the requested one resolves
// (or when the tracker stops, so waiters can observe the stopping state and
// fail out).
type Tracker struct {
	mu          sync.RWMutex
	wmu         sync.Mutex // guards waiters; always acquired after mu
	waiters     []waiter
	version     uint64
	ready       bool
	stopping    bool
	validateErr error
}

type waiter struct {
	minVer uint64
	fn     func()
}

// NewTracker creates a tracker with no resolved version; the first Advance
// publishes one.
func NewTracker() *Tracker {
	return &Tracker{}
}

// ReadLock acquires the read-style guard. Ready, Stopping and Validate must
// only be called while it is held.
func (t *Tracker) ReadLock() { t.mu.RLock() }

// ReadUnlock releases the read-style guard.
func (t *Tracker) ReadUnlock() { t.mu.RUnlock() }

// Stopping reports whether the tracker has been shut down.
// Call with the read guard held.
func (t *Tracker) Stopping() bool { return t.stopping }

// Ready returns the resolved topology version, or false while an exchange
// is in progress or before the first version resolves.
// Call with the read guard held.
func (t *Tracker) Ready() (uint64, bool) {
	if !t.ready {
		return 0, false
	}
	return t.version, true
}

// Validate reports the health of the cache at the resolved version; non-nil
// means the version resolved but the cache cannot serve it.
// Call with the read guard held.
func (t *Tracker) Validate() error { return t.validateErr }

// Latest returns the newest version the tracker has seen, resolved or not.
// Safe to call without the read guard.
func (t *Tracker) Latest() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// AwaitReady registers a continuation for the first resolved version that
// is at least minVer (minVer 0 means any resolved version). If such a
// version is already resolved, or the tracker is stopping, the continuation
// fires immediately. Either way it runs exactly once, on its own goroutine,
// never on the caller's. Do not call while holding the read guard; release
// it first.
func (t *Tracker) AwaitReady(minVer uint64, fn func()) {
	t.mu.RLock()
	if (t.ready && t.version >= minVer) || t.stopping {
		t.mu.RUnlock()
		go fn()
		return
	}
	t.wmu.Lock()
	t.waiters = append(t.waiters, waiter{minVer: minVer, fn: fn})
	t.wmu.Unlock()
	t.mu.RUnlock()
}

// StartExchange marks the topology unresolved while a membership change is
// being processed. Readiness checks fail until the matching Advance.
func (t *Tracker) StartExchange() {
	t.mu.Lock()
	t.ready = false
	t.mu.Unlock()
}

// Advance publishes ver as the resolved topology version, records the cache
// validation outcome for it, and fires every registered waiter.
func (t *Tracker) Advance(ver uint64, validateErr error) {
	t.mu.Lock()
	t.version = ver
	t.ready = true
	t.validateErr = validateErr
	t.mu.Unlock()

	t.fireWaiters(ver, false)
}

// Stop marks the tracker stopping and releases all waiters so they can
// observe the stopping state instead of hanging at shutdown.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopping = true
	t.mu.Unlock()

	t.fireWaiters(0, true)
}

func (t *Tracker) fireWaiters(ver uint64, all bool) {
	t.wmu.Lock()
	var fire, keep []waiter
	for _, w := range t.waiters {
		if all || ver >= w.minVer {
			fire = append(fire, w)
		} else {
			keep = append(keep, w)
		}
	}
	t.waiters = keep
	t.wmu.Unlock()

	for _, w := range fire {
		go w.fn()
	}
}
