// Package api provides the admin HTTP surface for ReplyPipe.
//
// It exposes a status snapshot of the queues, rate limiter, and loop guard,
// plus manual controls: triggering a tick and flipping the emergency stop.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/guard"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/orchestrator"
	"github.com/BTreeMap/ReplyPipe/internal/ratelimit"
	"github.com/BTreeMap/ReplyPipe/internal/store"
)

// DefaultAddr is the default listen address for the admin server.
const DefaultAddr = ":8080"

// Server serves the admin endpoints.
type Server struct {
	store   store.Store
	limiter *ratelimit.Limiter
	guard   *guard.Guard
	orch    *orchestrator.Orchestrator
	httpSrv *http.Server
}

// NewServer wires the admin server from its dependencies.
func NewServer(addr string, st store.Store, limiter *ratelimit.Limiter, g *guard.Guard, orch *orchestrator.Orchestrator) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		store:   st,
		limiter: limiter,
		guard:   g,
		orch:    orch,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/tick", s.tickHandler)
	mux.HandleFunc("/emergency-stop", s.emergencyStopHandler)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("api.Server: listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api.Server: serve failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	Queues  models.QueueStats `json:"queues"`
	Limiter models.RateState  `json:"limiter"`
	Guard   guard.Status      `json:"guard"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.store.QueueStats()
	if err != nil {
		slog.Error("api.statusHandler: queue stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read queue stats"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Queues:  stats,
		Limiter: s.limiter.Stats(),
		Guard:   s.guard.Snapshot(),
	})
}

// tickHandler triggers one orchestrator tick. A tick already in flight is
// reported as a conflict rather than queued.
func (s *Server) tickHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.orch.Tick(r.Context()); err != nil {
		if errors.Is(err, orchestrator.ErrTickInProgress) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "tick already in progress"})
			return
		}
		slog.Error("api.tickHandler: tick failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "tick completed"})
}

// emergencyStopRequest is the body of POST /emergency-stop.
type emergencyStopRequest struct {
	Active bool `json:"active"`
}

// emergencyStopHandler flips the manual emergency stop. Manual activation
// does not auto-recover; it stays until deactivated the same way.
func (s *Server) emergencyStopHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]bool{"active": s.guard.EmergencyStopActive()})
	case http.MethodPost:
		var req emergencyStopRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.Active {
			s.guard.ActivateEmergencyStop()
			slog.Warn("api.emergencyStopHandler: emergency stop activated manually")
		} else {
			s.guard.DeactivateEmergencyStop()
			slog.Info("api.emergencyStopHandler: emergency stop deactivated manually")
		}
		writeJSON(w, http.StatusOK, map[string]bool{"active": s.guard.EmergencyStopActive()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api.writeJSON: encode failed", "error", err)
	}
}
