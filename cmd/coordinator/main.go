// Package main implements the near-side coordinator: it owns the future
// registry, accepts client operations, drives the single-key atomic update
// protocol against the grid, and feeds asynchronous callbacks (primary
// responses, backup acknowledgments, node departures) into in-flight
// futures.
//
// HTTP surface:
//
//	GET    /health             - liveness
//	POST   /register           - node registration
//	POST   /leave              - graceful departure notice from a node
//	GET    /nodes              - current member list
//	GET    /cluster            - aggregated per-node info and store stats
//	GET    /data/{key}         - read (near mirror first, then primary)
//	PUT    /data/{key}         - atomic write (query: ttl, expect, sync, return)
//	DELETE /data/{key}         - atomic delete
//	POST   /data/{key}/invoke  - atomic named transform
//	POST   /atomic/response    - primary response callback
//	POST   /atomic/ack         - backup acknowledgment callback
//
// Configuration (environment):
//
//	COORDINATOR_LISTEN - listen address (default ":8080")
//	COORDINATOR_ADDR   - public base URL advertised in envelopes
//	GRID_PARTITIONS    - partition count (default 32)
//	GRID_BACKUPS       - backups per partition (default 1)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/stefanma/ignite/internal/affinity"
	"github.com/stefanma/ignite/internal/cluster"
	"github.com/stefanma/ignite/internal/nearcache"
	"github.com/stefanma/ignite/internal/storage"
	"github.com/stefanma/ignite/internal/topology"
	"github.com/stefanma/ignite/internal/update"
)

func main() {
	listen := getenv("COORDINATOR_LISTEN", ":8080")
	public := getenv("COORDINATOR_ADDR", "http://127.0.0.1:8080")
	partitions := getenvInt("GRID_PARTITIONS", 32)
	backups := getenvInt("GRID_BACKUPS", 1)

	srv := newServer(public, partitions, backups)

	watcher := topology.NewWatcher(5 * time.Second)
	watcher.SetOnLeft(srv.onNodeLeft)
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	go watcher.Start(watchCtx, srv.memberList)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/register", srv.handleRegister)
	r.Post("/leave", srv.handleLeave)
	r.Get("/nodes", srv.handleListNodes)
	r.Get("/cluster", srv.handleClusterInfo)
	r.Get("/data/{key}", srv.handleRead)
	r.Put("/data/{key}", srv.handleWrite)
	r.Delete("/data/{key}", srv.handleDelete)
	r.Post("/data/{key}/invoke", srv.handleInvoke)
	r.Post("/atomic/response", srv.handleResponse)
	r.Post("/atomic/ack", srv.handleAck)

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator listening on %s", listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	cancelWatch()
	watcher.Stop()
	srv.tracker.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	log.Println("coordinator stopped")
}

type server struct {
	resolver *affinity.Resolver
	tracker  *topology.Tracker
	registry *update.Registry
	near     *nearcache.Cache
	public   string
	backups  int

	mu      sync.RWMutex
	nodes   []cluster.NodeInfo
	version uint64
}

func newServer(public string, partitions, backups int) *server {
	return &server{
		resolver: affinity.NewResolver(partitions),
		tracker:  topology.NewTracker(),
		registry: update.NewRegistry(),
		near:     nearcache.New(),
		public:   public,
		backups:  backups,
	}
}

func (s *server) deps() update.Deps {
	return update.Deps{
		Sender:   &httpSender{srv: s},
		Affinity: s.resolver,
		Registry: s.registry,
		Topology: s.tracker,
		Near:     s.near,
		Alive:    s.hasMember,
	}
}

func (s *server) memberList() []cluster.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]cluster.NodeInfo(nil), s.nodes...)
}

func (s *server) hasMember(id cluster.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == id }) >= 0
}

func (s *server) addrOf(id cluster.NodeID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	if idx < 0 {
		return ""
	}
	return s.nodes[idx].Addr
}

// advanceTopology publishes the next topology version for the current
// member list: a short exchange window, a fresh affinity table, then the
// tracker resolves the version and the membership is broadcast to nodes.
func (s *server) advanceTopology() {
	s.tracker.StartExchange()

	s.mu.Lock()
	s.version++
	ver := s.version
	ids := make([]cluster.NodeID, 0, len(s.nodes))
	for _, n := range s.nodes {
		ids = append(ids, n.ID)
	}
	targets := append([]cluster.NodeInfo(nil), s.nodes...)
	s.mu.Unlock()

	if err := s.resolver.SetTopology(ver, ids, s.backups); err != nil {
		log.Printf("failed to install topology version %d: %v", ver, err)
	}
	s.tracker.Advance(ver, nil)
	log.Printf("topology advanced to version %d with %d nodes", ver, len(ids))

	for _, n := range targets {
		go func(n cluster.NodeInfo) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			body := struct {
				Version uint64 `json:"version"`
			}{Version: ver}
			if err := cluster.PostJSON(ctx, n.Addr+"/topology", body, nil); err != nil {
				log.Printf("topology broadcast to %s failed: %v", n.ID, err)
			}
		}(n)
	}
}

// onNodeLeft reacts to the liveness watcher declaring a node gone: the
// member is dropped, every in-flight future hears about the departure, and
// the topology moves to the next version so remapped attempts can resolve
// a new primary.
func (s *server) onNodeLeft(id cluster.NodeID) {
	s.mu.Lock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.nodes = slices.Delete(s.nodes, idx, idx+1)
	s.mu.Unlock()

	log.Printf("node %s left the grid", id)

	s.registry.NodeLeft(id)
	s.advanceTopology()
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.Node.ID })
	known := idx >= 0
	if known {
		s.nodes[idx] = req.Node
	} else {
		s.nodes = append(s.nodes, req.Node)
	}
	s.mu.Unlock()

	if !known {
		s.advanceTopology()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLeave accepts a departing node's own notice so a graceful shutdown
// advances the topology immediately instead of waiting out the liveness
// watcher's failure threshold.
func (s *server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var notice cluster.NodeLeftNotice
	if err := json.NewDecoder(r.Body).Decode(&notice); err != nil || notice.Departed == "" {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)

	go s.onNodeLeft(notice.Departed)
}

// handleClusterInfo fans out to every member's /info endpoint and renders
// one aggregated cluster view. Unreachable members are skipped.
func (s *server) handleClusterInfo(w http.ResponseWriter, r *http.Request) {
	type memberInfo struct {
		Node    cluster.NodeInfo   `json:"node"`
		Version uint64             `json:"topology_version"`
		Stats   storage.StoreStats `json:"stats"`
	}

	members := s.memberList()
	infos := make([]memberInfo, 0, len(members))
	for _, m := range members {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		var info memberInfo
		err := cluster.GetJSON(ctx, m.Addr+"/info", &info)
		cancel()
		if err != nil {
			log.Printf("info fetch from %s failed: %v", m.ID, err)
			continue
		}
		infos = append(infos, info)
	}

	_ = json.NewEncoder(w).Encode(struct {
		Version uint64       `json:"topology_version"`
		Members []memberInfo `json:"members"`
	}{Version: s.tracker.Latest(), Members: infos})
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	_ = json.NewEncoder(w).Encode(struct {
		Nodes   []cluster.NodeInfo `json:"nodes"`
		Version uint64             `json:"topology_version"`
	}{Nodes: s.memberList(), Version: s.tracker.Latest()})
}

// handleResponse delivers a primary response callback to its future.
// Futures that already completed or remapped are simply absent from the
// registry; the callback is dropped, which is the duplicate-safe outcome.
func (s *server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var env update.ResponseEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Response == nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if fut, ok := s.registry.Lookup(env.Response.FutureID); ok {
		fut.OnPrimaryResponse(env.Sender, env.Response)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAck(w http.ResponseWriter, r *http.Request) {
	var env update.AckEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Ack == nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if fut, ok := s.registry.Lookup(env.Ack.FutureID); ok {
		fut.OnBackupAck(env.Sender, env.Ack)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRead(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if value, err := s.near.Get(key); err == nil {
		w.Header().Set("X-Cache", "near")
		_, _ = w.Write(value)
		return
	}

	s.tracker.ReadLock()
	ver, ok := s.tracker.Ready()
	s.tracker.ReadUnlock()
	if !ok {
		http.Error(w, "topology not ready", http.StatusServiceUnavailable)
		return
	}

	primary, err := s.resolver.PrimaryFor(key, ver)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	addr := s.addrOf(primary)
	if addr == "" {
		http.Error(w, "primary not registered", http.StatusServiceUnavailable)
		return
	}

	resp, err := http.Get(addr + "/data/" + key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (s *server) handleWrite(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	opts := s.baseOptions(chi.URLParam(r, "key"), r)
	opts.Op = update.OpUpdate
	opts.Value = value
	if expect := r.URL.Query().Get("expect"); expect != "" {
		opts.Filter = &update.Filter{Expect: []byte(expect)}
	}
	if ttl := r.URL.Query().Get("ttl"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			http.Error(w, "bad ttl", http.StatusBadRequest)
			return
		}
		opts.Expiry = &update.ExpiryPolicy{TTL: d}
	}

	s.run(w, r, opts)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	opts := s.baseOptions(chi.URLParam(r, "key"), r)
	opts.Op = update.OpDelete
	s.run(w, r, opts)
}

func (s *server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Arg  string `json:"arg"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	opts := s.baseOptions(chi.URLParam(r, "key"), r)
	opts.Op = update.OpTransform
	opts.Transform = &update.Transform{Name: body.Name, Arg: []byte(body.Arg)}
	s.run(w, r, opts)
}

func (s *server) baseOptions(key string, r *http.Request) update.Options {
	opts := update.Options{
		Key:          key,
		SyncMode:     update.SyncFull,
		Subject:      uuid.New(),
		WriteThrough: true,
		WaitTopology: true,
		ReturnValue:  r.URL.Query().Get("return") == "true",
	}
	switch r.URL.Query().Get("sync") {
	case "primary":
		opts.SyncMode = update.SyncPrimary
	case "none":
		opts.SyncMode = update.SyncNone
	}
	return opts
}

// run drives one future to completion and renders the outcome.
func (s *server) run(w http.ResponseWriter, r *http.Request, opts update.Options) {
	fut := update.NewFuture(context.Background(), s.deps(), opts)
	fut.Submit()

	result, err := fut.Await(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		if err == update.ErrTryAgain {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	out := map[string]any{"applied": result == nil || result.Applied}
	if result != nil {
		if result.Value != nil {
			out["previous"] = string(result.Value)
		}
		if result.Out != nil {
			decoded := make(map[string]string, len(result.Out))
			for k, v := range result.Out {
				decoded[k] = string(v)
			}
			out["out"] = decoded
		}
	}
	_ = json.NewEncoder(w).Encode(out)
}

// httpSender delivers update requests to primaries and routes transport
// failures back into the future as a primary-departure event.
type httpSender struct {
	srv *server
}

func (h *httpSender) SendUpdate(_ context.Context, req *update.Request) error {
	addr := h.srv.addrOf(req.Target)
	if addr == "" {
		return fmt.Errorf("primary %s is not a registered member", req.Target)
	}

	backupIDs, err := h.srv.resolver.BackupsFor(req.Key, req.TopologyVersion)
	if err != nil {
		return err
	}
	var backups []cluster.NodeInfo
	for _, id := range backupIDs {
		if a := h.srv.addrOf(id); a != "" {
			backups = append(backups, cluster.NodeInfo{ID: id, Addr: a})
		}
	}

	env := update.Envelope{Request: req, ReplyTo: h.srv.public, Backups: backups}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cluster.PostJSON(ctx, addr+"/atomic/update", env, nil); err != nil {
			log.Printf("update delivery to %s failed: %v", req.Target, err)
			// The primary is unreachable; let the future treat it as
			// departed so the normal failure path runs.
			if fut, ok := h.srv.registry.Lookup(req.FutureID); ok {
				fut.OnNodeLeft(req.Target)
			}
		}
	}()

	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
