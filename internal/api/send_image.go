package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/odalys-dev/comfyrelay/internal/history"
	"github.com/odalys-dev/comfyrelay/internal/model"
	"github.com/odalys-dev/comfyrelay/internal/notify"
	"github.com/odalys-dev/comfyrelay/internal/progress"
)

// maxResultSize caps the multipart result body (image included).
const maxResultSize = 64 << 20

// requiredResultFields must all be present and non-empty on a success
// payload; image_data is validated separately as the binary part.
var requiredResultFields = []string{
	"request_id", "user_id", "channel_id", "interaction_id",
	"original_message_id", "prompt", "resolution",
}

// handleSendImage is the terminal result delivery endpoint. The runner posts
// either a finished artifact (multipart with an image_data part) or an error
// field; both finalize the registry entry exactly once.
func (s *Server) handleSendImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxResultSize)
	if err := r.ParseMultipartForm(maxResultSize); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	if errMsg := r.FormValue("error"); errMsg != "" {
		s.finishError(w, r, r.FormValue("request_id"), errMsg)
		return
	}

	var missing []string
	for _, field := range requiredResultFields {
		if r.FormValue(field) == "" {
			missing = append(missing, field)
		}
	}

	imageData, err := readImagePart(r)
	if err != nil {
		missing = append(missing, "image_data")
	}

	if len(missing) > 0 {
		s.logger.Warn("result rejected, missing fields", "missing", strings.Join(missing, ","))
		s.writeError(w, http.StatusBadRequest, "missing required data")
		return
	}

	requestID := r.FormValue("request_id")

	// Atomic take: whichever of result delivery and timeout removes the
	// entry first owns the terminal notification.
	item, ok := s.registry.Remove(requestID)
	if !ok {
		s.logger.Warn("result for unknown request", "request_id", requestID)
		s.writeError(w, http.StatusNotFound, "unknown request")
		return
	}
	s.supervisor.Disarm(requestID)
	resultsDelivered.WithLabelValues("success").Inc()

	res := s.buildResult(r, item, imageData)

	entry := &history.Entry{
		UserID:        item.UserID,
		Prompt:        item.Prompt,
		Filename:      res.Filename,
		Resolution:    item.Resolution,
		Loras:         item.Loras,
		UpscaleFactor: item.UpscaleFactor,
	}

	// Delivery failures never undo the removal above: the job is finished
	// regardless of whether the target could be updated.
	if err := s.notifier.DeliverResult(r.Context(), item, res); err != nil {
		s.logger.Error("result delivery failed",
			"request_id", requestID, "user_id", item.UserID, "error", err)
		switch {
		case errors.Is(err, notify.ErrTargetNotFound):
			s.writeError(w, http.StatusNotFound, "channel or message not found")
		case errors.Is(err, notify.ErrForbidden):
			s.writeError(w, http.StatusForbidden, "permission denied")
		default:
			s.writeError(w, http.StatusInternalServerError, "error updating message")
		}
		return
	}

	if err := s.history.Add(r.Context(), entry); err != nil {
		s.logger.Error("history entry not recorded", "request_id", requestID, "error", err)
	}

	s.logger.Info("result delivered", "request_id", requestID, "user_id", item.UserID)
	s.writeText(w, http.StatusOK, "Success")
}

// finishError finalizes a request whose runner failed. The registry entry is
// removed and the notification target gets the failure message.
func (s *Server) finishError(w http.ResponseWriter, r *http.Request, requestID, errMsg string) {
	if requestID == "" {
		s.writeError(w, http.StatusBadRequest, "missing request_id")
		return
	}

	item, ok := s.registry.Remove(requestID)
	if !ok {
		s.logger.Warn("error result for unknown request", "request_id", requestID)
		s.writeError(w, http.StatusNotFound, "unknown request")
		return
	}
	s.supervisor.Disarm(requestID)

	content := progress.FormatContent(progress.Event{
		Status:  progress.StatusError,
		Message: errMsg,
	})
	if err := s.notifier.UpdateContent(r.Context(), item, content); err != nil {
		s.logger.Error("failure notification not delivered", "request_id", requestID, "error", err)
	}

	resultsDelivered.WithLabelValues("error").Inc()
	s.logger.Info("job failed", "request_id", requestID, "error", errMsg)
	s.writeText(w, http.StatusOK, "Failure recorded")
}

// buildResult assembles the notification payload for a delivered artifact.
func (s *Server) buildResult(r *http.Request, item *model.PendingRequest, imageData []byte) *notify.Result {
	kind := item.Kind()

	upscaleFactor := 1
	if v, err := strconv.Atoi(r.FormValue("upscale_factor")); err == nil && v > 0 {
		upscaleFactor = v
	}

	res := &notify.Result{
		Kind:       kind,
		Prompt:     r.FormValue("prompt"),
		Resolution: resolutionAnnotation(r.FormValue("resolution"), r.FormValue("upscaled_resolution"), upscaleFactor),
		Filename:   fmt.Sprintf("generated_image_%s.png", item.RequestID),
		ImageData:  imageData,
	}

	if v, err := strconv.ParseInt(r.FormValue("seed"), 10, 64); err == nil {
		res.Seed = &v
	}

	if model.ShowsLoras(kind) {
		var loras []string
		if raw := r.FormValue("loras"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &loras); err != nil {
				s.logger.Warn("loras field not decoded", "request_id", item.RequestID, "error", err)
			}
		}
		res.LoraNames = s.loraDisplayNames(loras)
	}

	return res
}

// loraDisplayNames maps LoRA file references to their configured display
// names, falling back to the raw reference when the config is unavailable.
func (s *Server) loraDisplayNames(files []string) []string {
	if len(files) == 0 {
		return nil
	}

	cfg, err := s.workflows.LoadLoraConfig()
	if err != nil {
		s.logger.Warn("lora config unavailable", "error", err)
		return files
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, cfg.DisplayName(f))
	}
	return names
}

// resolutionAnnotation builds the resolution display string: the base
// resolution, plus the upscaled target when the job was upscaled.
func resolutionAnnotation(resolution, upscaled string, factor int) string {
	if factor <= 1 {
		return resolution
	}
	if upscaled != "" && upscaled != "Unknown" {
		return fmt.Sprintf("%s → %s (Upscaled %dx)", resolution, upscaled, factor)
	}
	return fmt.Sprintf("%s (Upscaled %dx)", resolution, factor)
}

// readImagePart reads the binary image_data part from the multipart form.
func readImagePart(r *http.Request) ([]byte, error) {
	file, _, err := r.FormFile("image_data")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read image_data: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty image_data part")
	}
	return data, nil
}
