package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/pilot-net/dialer/control-plane/internal/service"
	"github.com/pilot-net/dialer/pkg/types"
)

// =============================================================================
// ALERTS
// =============================================================================

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.AlertFilter{TenantID: tenantFromContext(r.Context())}

	if v := q.Get("status"); v != "" {
		status := types.AlertState(v)
		if status != types.AlertActive && status != types.AlertResolved {
			s.writeError(w, http.StatusBadRequest, "status must be active or resolved")
			return
		}
		filter.Status = &status
	}
	if v := q.Get("task_id"); v != "" {
		taskID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid task_id")
			return
		}
		filter.TaskID = &taskID
	}

	var err error
	if filter.Limit, err = intParam(r, "limit"); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(r, "offset"); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	alerts, err := s.svc.ListAlerts(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing alerts failed", "tenant_id", filter.TenantID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.svc.GetAlert(r.Context(), tenantFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.logger.Error("getting alert failed", "alert_id", r.PathValue("id"), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get alert")
		return
	}

	s.writeJSON(w, http.StatusOK, alert)
}

// =============================================================================
// RESULTS
// =============================================================================

func (s *Server) handleListTaskResults(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	results, err := s.svc.ListTaskResults(r.Context(), tenantFromContext(r.Context()), taskID, limit)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("listing results failed", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// =============================================================================
// NODES
// =============================================================================

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.svc.ListNodes(r.Context())
	if err != nil {
		s.logger.Error("listing nodes failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// intParam parses an optional non-negative integer query parameter.
func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}
