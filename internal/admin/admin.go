// Package admin is C10, the admin/trigger surface: a small X-Admin-Key
// gated HTTP surface for staging smoke tests and incident inspection,
// per spec §4.10.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/protectogram/panic-core/internal/audit"
	"github.com/protectogram/panic-core/internal/incident"
	"github.com/protectogram/panic-core/internal/store"
)

type Config struct {
	Store    *store.Store
	Incident *incident.Machine
	Logger   *slog.Logger

	AdminKey string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/panic/trigger", s.handleTrigger)
	mux.HandleFunc("/admin/incidents/", s.handleGetIncident)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AdminKey == "" {
		return false
	}
	return r.Header.Get("X-Admin-Key") == s.cfg.AdminKey
}

// handleTrigger seeds an incident as if the traveler had opened it via
// the chat surface — provided for staging smoke tests only (spec §4.10
// scopes this to non-production use).
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		audit.RecordDenied("admin.trigger", r.RemoteAddr, "bad or missing admin key")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		TravelerID string `json:"traveler_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TravelerID == "" {
		http.Error(w, "traveler_id is required", http.StatusBadRequest)
		return
	}

	inc, err := s.cfg.Incident.Open(r.Context(), req.TravelerID)
	if err != nil {
		s.logger.Error("admin: trigger failed", "traveler_id", req.TravelerID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	audit.Record("admin.trigger", inc.ID, req.TravelerID, "opened", "incident opened via admin trigger endpoint")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"incident_id": inc.ID})
}

// handleGetIncident is a supplemented read endpoint (not named by spec
// §4.10, which only requires the trigger endpoint) useful for confirming
// the result of a triggered incident in staging without direct DB access.
func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		audit.RecordDenied("admin.get_incident", r.RemoteAddr, "bad or missing admin key")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/admin/incidents/")
	if id == "" {
		http.Error(w, "incident id required", http.StatusBadRequest)
		return
	}

	inc, err := s.cfg.Store.GetIncident(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	alerts, err := s.cfg.Store.AlertsForIncident(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"incident": inc,
		"alerts":   alerts,
	})
}
