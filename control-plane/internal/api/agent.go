package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pilot-net/dialer/control-plane/internal/config"
	"github.com/pilot-net/dialer/control-plane/internal/service"
	"github.com/pilot-net/dialer/pkg/types"
)

// =============================================================================
// AGENT LIFECYCLE
// =============================================================================

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb types.Heartbeat
	if err := s.readJSON(w, r, &hb); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !agentMatches(r, hb.AgentID) {
		s.writeError(w, http.StatusBadRequest, "agent_id does not match X-Agent-ID")
		return
	}

	resp, err := s.svc.RecordHeartbeat(r.Context(), hb)
	if err != nil {
		if errors.Is(err, service.ErrInvalidHeartbeat) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("heartbeat failed", "agent_id", hb.AgentID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "heartbeat failed")
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get("X-Agent-ID")
	if agentID == "" {
		s.writeError(w, http.StatusBadRequest, "X-Agent-ID header is required")
		return
	}

	resp, err := s.svc.Assignments(r.Context(), agentID)
	if err != nil {
		s.logger.Error("listing assignments failed", "agent_id", agentID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to list assignments")
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// RESULTS INGESTION
// =============================================================================

func (s *Server) handleIngestResult(w http.ResponseWriter, r *http.Request) {
	var reader io.Reader = http.MaxBytesReader(w, r.Body, config.MaxRequestBodyBytes)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid gzip")
			return
		}
		defer gz.Close()
		reader = io.LimitReader(gz, config.MaxRequestBodyBytes)
	}

	var result types.Result
	if err := json.NewDecoder(reader).Decode(&result); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !agentMatches(r, result.AgentID) {
		s.writeError(w, http.StatusBadRequest, "agent_id does not match X-Agent-ID")
		return
	}

	if err := s.svc.IngestResult(r.Context(), &result); err != nil {
		if errors.Is(err, service.ErrInvalidResult) || errors.Is(err, service.ErrUnknownTask) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("result ingestion failed",
			"agent_id", result.AgentID,
			"task_id", result.TaskID,
			"error", err)
		s.writeError(w, http.StatusServiceUnavailable, "ingestion failed")
		return
	}

	s.writeJSON(w, http.StatusCreated, types.IngestResponse{ID: result.ID})
}

// agentMatches reports whether a body agent_id agrees with the X-Agent-ID header.
// Requests without the header are accepted.
func agentMatches(r *http.Request, bodyAgentID string) bool {
	header := r.Header.Get("X-Agent-ID")
	return header == "" || header == bodyAgentID
}
