package api

import (
	"net/http"

	"github.com/quietdesk/quietdesk/internal/heartbeat"
)

type runHeartbeatRequest struct {
	SkipConnectors []string `json:"skip_connectors,omitempty"`
}

// handleRunHeartbeat triggers a heartbeat run. Concurrent triggers
// serialize inside the heartbeat itself.
func (s *Server) handleRunHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req runHeartbeatRequest
	if r.ContentLength > 0 {
		if err := s.decode(r, &req); err != nil {
			s.respondError(w, err)
			return
		}
	}

	result, err := s.heartbeat.Run(r.Context(), heartbeat.RunOptions{
		SkipConnectors: req.SkipConnectors,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleHeartbeatStatus returns the last run and recent history
func (s *Server) handleHeartbeatStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.heartbeat.Status())
}
