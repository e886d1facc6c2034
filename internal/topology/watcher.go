package topology

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stefanma/ignite/internal/cluster"
)

// NodeHealth tracks the liveness of a single grid node.
// Thread-safe: protected by the Watcher's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time      // Timestamp of the last probe attempt
	LastHealthy      time.Time      // Timestamp of the last successful probe
	NodeID           cluster.NodeID // Node being probed
	Status           string         // "healthy", "left", "unknown"
	ConsecutiveFails int            // Consecutive failed probes
}

// Watcher performs periodic liveness probes against grid nodes and reports
// departures. A node that fails maxFailures consecutive probes is treated
// as having left the grid: the onLeft callback fires once, and the
// coordinator uses it to fan node-left events into in-flight futures and to
// advance the topology version.
//
// Thread-safe: all methods are safe for concurrent access.
type Watcher struct {
	nodes       map[cluster.NodeID]*NodeHealth
	httpClient  *http.Client
	checkFunc   func(addr string) error     // Probe implementation, injectable for tests
	onLeft      func(nodeID cluster.NodeID) // Fired once when a node is declared gone
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewWatcher creates a watcher probing each node's /health endpoint every
// interval. Nodes are declared departed after 3 consecutive failures.
func NewWatcher(interval time.Duration) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[cluster.NodeID]*NodeHealth),
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetOnLeft sets the callback invoked when a node is declared departed.
// The callback runs on its own goroutine, outside the watcher's lock.
func (w *Watcher) SetOnLeft(callback func(nodeID cluster.NodeID)) {
	w.onLeft = callback
}

// SetCheckFunction replaces the probe implementation (used by tests).
func (w *Watcher) SetCheckFunction(fn func(addr string) error) {
	w.checkFunc = fn
}

// Start begins probing in the current goroutine, blocking until the context
// is canceled. nodeProvider supplies the current member list on each cycle
// so freshly registered nodes are picked up without restarting the watcher.
func (w *Watcher) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	w.wg.Add(1)
	defer w.wg.Done()

	if ctx == nil {
		ctx = w.ctx
	}
	if w.checkFunc == nil {
		w.checkFunc = w.defaultCheck
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Printf("liveness watcher started with interval %v", w.interval)

	// Probe immediately rather than waiting out the first interval.
	w.checkAllNodes(nodeProvider())

	for {
		select {
		case <-ticker.C:
			w.checkAllNodes(nodeProvider())
		case <-ctx.Done():
			log.Println("liveness watcher stopping due to context cancellation")
			return
		case <-w.ctx.Done():
			log.Println("liveness watcher stopping due to internal cancellation")
			return
		}
	}
}

// Stop gracefully shuts down the watcher and waits for the probe loop to
// exit.
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
	log.Println("liveness watcher stopped")
}

// Snapshot returns a copy of the current health records.
func (w *Watcher) Snapshot() []NodeHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]NodeHealth, 0, len(w.nodes))
	for _, h := range w.nodes {
		out = append(out, *h)
	}
	return out
}

// checkAllNodes probes every provided node and prunes records for nodes no
// longer in the member list.
func (w *Watcher) checkAllNodes(nodes []cluster.NodeInfo) {
	current := make(map[cluster.NodeID]bool)

	for _, node := range nodes {
		current[node.ID] = true
		w.checkNode(node)
	}

	w.mu.Lock()
	for nodeID := range w.nodes {
		if !current[nodeID] {
			delete(w.nodes, nodeID)
			log.Printf("removed node %s from liveness watching", nodeID)
		}
	}
	w.mu.Unlock()
}

// checkNode probes a single node and updates its health record, firing the
// departure callback exactly once when the failure threshold is crossed.
func (w *Watcher) checkNode(node cluster.NodeInfo) {
	w.mu.Lock()
	health, exists := w.nodes[node.ID]
	if !exists {
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      "unknown",
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		w.nodes[node.ID] = health
	}
	w.mu.Unlock()

	err := w.checkFunc(node.Addr)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Membership may have changed while the probe was in flight; a result
	// for a pruned node must not land on an orphaned record.
	health, exists = w.nodes[node.ID]
	if !exists {
		return
	}

	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		log.Printf("liveness probe failed for node %s (attempt %d/%d): %v",
			node.ID, health.ConsecutiveFails, w.maxFailures, err)

		if health.ConsecutiveFails >= w.maxFailures {
			previous := health.Status
			health.Status = "left"

			if previous != "left" && w.onLeft != nil {
				log.Printf("node %s declared departed after %d failed probes",
					node.ID, health.ConsecutiveFails)
				// Fire the callback without holding the lock.
				go w.onLeft(node.ID)
			}
		}
		return
	}

	if health.Status == "left" {
		log.Printf("node %s answered probes again after being declared departed", node.ID)
	}
	health.Status = "healthy"
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

// defaultCheck performs an HTTP GET against the node's /health endpoint.
func (w *Watcher) defaultCheck(addr string) error {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + "/health"

	resp, err := w.httpClient.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
