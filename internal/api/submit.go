package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/odalys-dev/comfyrelay/internal/model"
	"github.com/odalys-dev/comfyrelay/internal/registry"
)

// submitRequest is the JSON body for POST /v1/requests.
type submitRequest struct {
	UserID            string   `json:"user_id"`
	ChannelID         string   `json:"channel_id"`
	InteractionID     string   `json:"interaction_id"`
	OriginalMessageID string   `json:"original_message_id"`
	Prompt            string   `json:"prompt"`
	Resolution        string   `json:"resolution"`
	Loras             []string `json:"loras"`
	UpscaleFactor     int      `json:"upscale_factor"`
	Seed              *int64   `json:"seed"`
	Workflow          string   `json:"workflow"`
}

// handleSubmitRequest enqueues a generation request: register it, arm its
// deadline, and launch the job runner for it.
func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxProgressSize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch {
	case req.UserID == "" || req.ChannelID == "" || req.OriginalMessageID == "":
		s.writeError(w, http.StatusBadRequest, "notification target identifiers are required")
		return
	case req.Prompt == "":
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	case req.Resolution == "":
		s.writeError(w, http.StatusBadRequest, "resolution is required")
		return
	case req.Workflow == "":
		s.writeError(w, http.StatusBadRequest, "workflow is required")
		return
	}

	if req.UpscaleFactor < 1 {
		req.UpscaleFactor = 1
	}

	item := &model.PendingRequest{
		RequestID:         model.NewID(),
		UserID:            req.UserID,
		ChannelID:         req.ChannelID,
		InteractionID:     req.InteractionID,
		OriginalMessageID: req.OriginalMessageID,
		Prompt:            req.Prompt,
		Resolution:        req.Resolution,
		Loras:             req.Loras,
		UpscaleFactor:     req.UpscaleFactor,
		Seed:              req.Seed,
		Workflow:          req.Workflow,
		CreatedAt:         time.Now().UTC(),
	}

	if err := s.registry.Register(item); err != nil {
		if errors.Is(err, registry.ErrDuplicateID) {
			s.writeError(w, http.StatusConflict, "request id already pending")
			return
		}
		s.logger.Error("register request", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to register request")
		return
	}
	s.supervisor.Arm(item.RequestID, s.deadline)

	if err := s.launcher.Launch(r.Context(), item); err != nil {
		// Roll back so the entry does not sit pending until the deadline.
		if _, ok := s.registry.Remove(item.RequestID); ok {
			s.supervisor.Disarm(item.RequestID)
		}
		s.logger.Error("launch runner", "request_id", item.RequestID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start job")
		return
	}

	s.logger.Info("request submitted",
		"request_id", item.RequestID, "user_id", item.UserID, "workflow", item.Workflow)
	s.writeJSON(w, http.StatusAccepted, item)
}
