// Package main implements the grid storage node: it owns partition data,
// executes single-key atomic updates as the primary, pushes backup copies,
// and acknowledges writes it receives as a backup.
//
// HTTP surface:
//
//	GET  /health         - liveness probe for the coordinator's watcher
//	GET  /info           - node identity and store statistics
//	GET  /data/{key}     - direct read (read-through misses land here)
//	POST /topology       - topology version broadcast from the coordinator
//	POST /atomic/update  - primary path: execute an update request
//	POST /atomic/backup  - backup path: apply a copy, acknowledge
//
// Configuration (environment):
//
//	NODE_ID          - unique node identifier (default: random)
//	NODE_LISTEN      - listen address (default ":8081")
//	NODE_ADDR        - public address advertised to the coordinator
//	COORDINATOR_ADDR - coordinator base URL (default "http://127.0.0.1:8080")
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stefanma/ignite/internal/cluster"
	"github.com/stefanma/ignite/internal/storage"
	"github.com/stefanma/ignite/internal/update"
)

func main() {
	id := cluster.NodeID(getenv("NODE_ID", string(cluster.NewNodeID())))
	listen := getenv("NODE_LISTEN", ":8081")
	addr := getenv("NODE_ADDR", "http://127.0.0.1:8081")
	coordinator := getenv("COORDINATOR_ADDR", "http://127.0.0.1:8080")

	n := &node{
		self:  cluster.NodeInfo{ID: id, Addr: addr},
		store: storage.NewMemoryStore(),
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/info", n.handleInfo)
	r.Get("/data/{key}", n.handleRead)
	r.Post("/topology", n.handleTopology)
	r.Post("/atomic/update", n.handleUpdate)
	r.Post("/atomic/backup", n.handleBackup)

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("node %s listening on %s", id, listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	go registerWithCoordinator(coordinator, n.self)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	deregisterFromCoordinator(coordinator, id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	log.Printf("node %s stopped", id)
}

// deregisterFromCoordinator sends the departure notice on graceful shutdown
// so the coordinator advances the topology immediately instead of waiting
// for liveness probes to fail.
func deregisterFromCoordinator(coordinator string, id cluster.NodeID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	notice := cluster.NodeLeftNotice{Departed: id}
	if err := cluster.PostJSON(ctx, coordinator+"/leave", notice, nil); err != nil {
		log.Printf("departure notice failed: %v", err)
	}
}

// registerWithCoordinator announces this node until the coordinator
// accepts, so nodes can start before the coordinator does.
func registerWithCoordinator(coordinator string, self cluster.NodeInfo) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := cluster.PostJSON(ctx, coordinator+"/register", cluster.RegisterRequest{Node: self}, nil)
		cancel()
		if err == nil {
			log.Printf("registered with coordinator at %s", coordinator)
			return
		}
		log.Printf("registration failed, retrying: %v", err)
		time.Sleep(2 * time.Second)
	}
}

type node struct {
	store  storage.Store
	self   cluster.NodeInfo
	mu     sync.RWMutex
	topVer uint64 // latest topology version broadcast by the coordinator
}

func (n *node) currentVersion() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.topVer
}

func (n *node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	_ = json.NewEncoder(w).Encode(struct {
		Node    cluster.NodeInfo   `json:"node"`
		Version uint64             `json:"topology_version"`
		Stats   storage.StoreStats `json:"stats"`
	}{Node: n.self, Version: n.currentVersion(), Stats: n.store.Stats()})
}

func (n *node) handleRead(w http.ResponseWriter, r *http.Request) {
	value, err := n.store.Get(chi.URLParam(r, "key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(value)
}

type topologyBroadcast struct {
	Version uint64 `json:"version"`
}

func (n *node) handleTopology(w http.ResponseWriter, r *http.Request) {
	var msg topologyBroadcast
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	if msg.Version > n.topVer {
		n.topVer = msg.Version
		log.Printf("topology advanced to version %d", msg.Version)
	}
	n.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdate is the primary path. The request executes against the local
// store, backup copies are pushed, and the response travels back to the
// coordinator asynchronously on the envelope's reply-to address.
func (n *node) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var env update.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Request == nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)

	go n.executeUpdate(env)
}

func (n *node) executeUpdate(env update.Envelope) {
	req := env.Request
	res := &update.Response{FutureID: req.FutureID}

	// A request mapped against an older topology than this node has seen
	// must be remapped by the sender; the value may no longer belong here.
	if req.TopologyVersion < n.currentVersion() {
		res.RemapKeys = []string{req.Key}
		n.reply(env.ReplyTo, res)
		return
	}

	result, wireErr := n.apply(req)
	if wireErr != nil {
		res.Error = wireErr
		res.FailedKeys = []string{req.Key}
		n.reply(env.ReplyTo, res)
		return
	}

	res.Result = result
	if req.SyncMode == update.SyncFull {
		for _, b := range env.Backups {
			res.Backups = append(res.Backups, b.ID)
		}
	}

	n.reply(env.ReplyTo, res)

	// Push copies to backups regardless of sync mode; only SyncFull makes
	// the coordinator wait for their acknowledgments.
	for _, backup := range env.Backups {
		go n.pushBackup(backup, req, env.ReplyTo)
	}
}

// apply executes one request against the local store.
func (n *node) apply(req *update.Request) (*update.Result, *update.WireError) {
	var ttl time.Duration
	if req.Expiry != nil {
		ttl = req.Expiry.TTL
	}

	switch req.Op {
	case update.OpDelete:
		if err := n.store.Delete(req.Key); err != nil {
			return nil, &update.WireError{Message: err.Error()}
		}
		return &update.Result{Applied: true}, nil

	case update.OpTransform:
		if req.Transform == nil {
			return nil, &update.WireError{Message: "transform request without operand"}
		}
		out, err := n.store.Transform(req.Key, req.Transform.Name, req.Transform.Arg)
		if err != nil {
			return nil, &update.WireError{Message: err.Error()}
		}
		return &update.Result{Applied: true, Out: map[string][]byte{req.Key: out}}, nil

	default:
		var prev []byte
		if req.ReturnValue {
			prev, _ = n.store.Get(req.Key)
		}
		if req.Filter != nil {
			applied, err := n.store.PutIf(req.Key, req.Value, req.Filter.Expect, ttl)
			if err != nil {
				return nil, &update.WireError{Message: err.Error()}
			}
			return &update.Result{Applied: applied, Value: prev}, nil
		}
		if err := n.store.Put(req.Key, req.Value, ttl); err != nil {
			return nil, &update.WireError{Message: err.Error()}
		}
		return &update.Result{Applied: true, Value: prev}, nil
	}
}

func (n *node) reply(replyTo string, res *update.Response) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := update.ResponseEnvelope{Sender: n.self.ID, Response: res}
	if err := cluster.PostJSON(ctx, replyTo+"/atomic/response", env, nil); err != nil {
		log.Printf("failed to deliver response for future %d: %v", res.FutureID, err)
	}
}

func (n *node) pushBackup(backup cluster.NodeInfo, req *update.Request, replyTo string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := update.BackupEnvelope{Request: req, ReplyTo: replyTo, Primary: n.self.ID}
	if err := cluster.PostJSON(ctx, backup.Addr+"/atomic/backup", env, nil); err != nil {
		log.Printf("failed to push backup for future %d to %s: %v", req.FutureID, backup.ID, err)
	}
}

// handleBackup is the backup path: apply the copy locally and acknowledge
// straight to the coordinator.
func (n *node) handleBackup(w http.ResponseWriter, r *http.Request) {
	var env update.BackupEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Request == nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)

	go func() {
		result, wireErr := n.apply(env.Request)
		if wireErr != nil {
			log.Printf("backup apply failed for future %d: %s", env.Request.FutureID, wireErr.Message)
			result = nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ack := update.AckEnvelope{
			Sender: n.self.ID,
			Ack: &update.BackupAck{
				FutureID: env.Request.FutureID,
				Sender:   n.self.ID,
				Result:   result,
			},
		}
		if err := cluster.PostJSON(ctx, env.ReplyTo+"/atomic/ack", ack, nil); err != nil {
			log.Printf("failed to deliver backup ack for future %d: %v", env.Request.FutureID, err)
		}
	}()
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
