// Package httpapi serves the core's own operational surface — liveness,
// readiness, and metrics exposition — separate from the webhook (C9)
// and admin (C10) surfaces since none of these three routes need
// authentication (spec §6).
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/protectogram/panic-core/internal/store"
)

// DupCounter is satisfied by internal/webhook.Server, kept as an
// interface here so httpapi doesn't import webhook and create a cycle
// (webhook doesn't need metrics, but if it ever does, this stays safe).
type DupCounter interface {
	DupCounts() (chat, voice int64)
}

type Config struct {
	Store  *store.Store
	DupCtr DupCounter
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", s.handleLive)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.Ready(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"db": "unavailable", "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"db": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.cfg.Store.IncidentCounts(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	pending, err := s.cfg.Store.PendingActionCount(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP protectogram_incidents_by_status Number of incidents per status.\n")
	fmt.Fprintf(w, "# TYPE protectogram_incidents_by_status gauge\n")
	for status, n := range counts {
		fmt.Fprintf(w, "protectogram_incidents_by_status{status=%q} %d\n", status, n)
	}
	fmt.Fprintf(w, "# HELP protectogram_scheduled_actions_pending Number of scheduled actions awaiting a claim.\n")
	fmt.Fprintf(w, "# TYPE protectogram_scheduled_actions_pending gauge\n")
	fmt.Fprintf(w, "protectogram_scheduled_actions_pending %d\n", pending)
	fmt.Fprintf(w, "# HELP protectogram_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE protectogram_alloc_bytes gauge\n")
	fmt.Fprintf(w, "protectogram_alloc_bytes %d\n", mem.Alloc)

	if s.cfg.DupCtr != nil {
		chatDups, voiceDups := s.cfg.DupCtr.DupCounts()
		fmt.Fprintf(w, "# HELP protectogram_webhook_duplicates_total Duplicate webhook deliveries observed, by provider.\n")
		fmt.Fprintf(w, "# TYPE protectogram_webhook_duplicates_total counter\n")
		fmt.Fprintf(w, "protectogram_webhook_duplicates_total{provider=\"chat\"} %d\n", chatDups)
		fmt.Fprintf(w, "protectogram_webhook_duplicates_total{provider=\"voice\"} %d\n", voiceDups)
	}
}
