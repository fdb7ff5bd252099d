package service

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// StatusServer exposes the Service's diagnostics over plain HTTP: /healthz
// for a liveness probe and /api/agents, /api/capabilities, /api/ranking for
// the same dashboard-style JSON endpoints the teacher's cmd/cliairmonitor
// main.go serves off its own http.ServeMux (/health, /api/agents).
type StatusServer struct {
	svc  *Service
	log  *zap.Logger
	http *http.Server
}

func NewStatusServer(svc *Service, addr string, logger *zap.Logger) *StatusServer {
	log := logger.Named("status")
	mux := http.NewServeMux()
	s := &StatusServer{svc: svc, log: log}

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/capabilities", s.handleCapabilities)
	mux.HandleFunc("/api/ranking", s.handleRanking)

	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start runs the HTTP server in the background; call Shutdown to stop it.
func (s *StatusServer) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server stopped unexpectedly", zap.Error(err))
		}
	}()
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *StatusServer) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.svc.ListAgents()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *StatusServer) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetRetrievalCapabilities())
}

func (s *StatusServer) handleRanking(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.GetRankingStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}
