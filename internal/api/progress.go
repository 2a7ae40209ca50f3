package api

import (
	"encoding/json"
	"net/http"

	"github.com/odalys-dev/comfyrelay/internal/model"
	"github.com/odalys-dev/comfyrelay/internal/progress"
)

// maxProgressSize caps the JSON progress body.
const maxProgressSize = 1 << 20

// progressUpdateRequest is the JSON body for POST /update_progress.
type progressUpdateRequest struct {
	RequestID    string         `json:"request_id"`
	ProgressData progress.Event `json:"progress_data"`
}

// handleUpdateProgress relays a runner progress event to the notification
// target as a replaced message. Notification failures are logged, never
// surfaced: the runner cannot do anything about them.
func (s *Server) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	var req progressUpdateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxProgressSize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.RequestID == "" {
		s.writeError(w, http.StatusBadRequest, "missing request_id")
		return
	}

	item, ok := s.registry.Get(req.RequestID)
	if !ok {
		s.logger.Warn("progress for unknown request", "request_id", req.RequestID)
		s.writeError(w, http.StatusNotFound, "unknown request_id")
		return
	}

	content := progress.FormatContent(req.ProgressData)
	if err := s.notifier.UpdateContent(r.Context(), item, content); err != nil {
		s.logger.Warn("progress notification failed",
			"request_id", req.RequestID, "status", req.ProgressData.Status, "error", err)
	} else {
		progressRelayed.Inc()
	}

	s.writeText(w, http.StatusOK, "Progress updated")
}

// listRequestsResponse wraps the pending request introspection response.
type listRequestsResponse struct {
	Requests []*model.PendingRequest `json:"requests"`
	Total    int                     `json:"total"`
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	pending := s.registry.List()
	s.writeJSON(w, http.StatusOK, listRequestsResponse{
		Requests: pending,
		Total:    len(pending),
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeText writes a plain text response.
func (s *Server) writeText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(message)); err != nil {
		s.logger.Error("write response", "error", err)
	}
}
