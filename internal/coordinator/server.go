package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/st7ma784/CMACatalyst-sub011/shared/logger"
	"github.com/st7ma784/CMACatalyst-sub011/shared/protocol"
)

// Server exposes the registry over HTTP.
type Server struct {
	registry *Registry
}

func NewServer(registry *Registry) *Server {
	return &Server{registry: registry}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post(protocol.PathRegister, s.handleRegister)
	r.Post(protocol.PathHeartbeat, s.handleHeartbeat)
	r.Get(protocol.PathWorkers, s.handleListWorkers)
	r.Get(protocol.PathHealth, s.handleHealth)
	r.Get(protocol.PathStats, s.handleStats)
	return r
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidCapabilities)
		return
	}

	resp, err := s.registry.Register(req.Capabilities, req.Endpoint)
	if err != nil {
		if errors.Is(err, ErrInvalidCapabilities) {
			logger.Warn("registration rejected", "error", err, "capabilities", req.Capabilities)
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidCapabilities)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	resp, err := s.registry.Heartbeat(req.WorkerID, req.Load)
	if err != nil {
		if errors.Is(err, ErrUnknownWorker) {
			writeError(w, http.StatusNotFound, protocol.ErrUnknownWorker)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	onlyHealthy := r.URL.Query().Get("status") == string(protocol.StatusHealthy)
	writeJSON(w, http.StatusOK, s.registry.List(onlyHealthy))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: code})
}
