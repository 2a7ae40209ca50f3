package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odalys-dev/comfyrelay/internal/progress"
)

const reportTimeout = 30 * time.Second

// Reporter pushes progress and terminal results back to the receiver.
// Progress pushes are fire-and-forget relative to job execution: failures
// are logged by the caller, never retried, and never abort the job.
type Reporter struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

// NewReporter creates a reporter against the receiver's base URL.
func NewReporter(base string, logger *slog.Logger) *Reporter {
	return &Reporter{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: reportTimeout},
		logger: logger,
	}
}

// progressRequest is the JSON body for POST /update_progress.
type progressRequest struct {
	RequestID    string         `json:"request_id"`
	ProgressData progress.Event `json:"progress_data"`
}

// PushProgress relays one progress event to the receiver.
func (r *Reporter) PushProgress(ctx context.Context, requestID string, ev progress.Event) error {
	body, err := json.Marshal(progressRequest{RequestID: requestID, ProgressData: ev})
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/update_progress", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build progress request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("push progress: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push progress: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// reportProgress pushes an event and logs on failure. Used for the
// fire-and-forget paths inside the run loop.
func (r *Reporter) reportProgress(ctx context.Context, requestID string, ev progress.Event) {
	if err := r.PushProgress(ctx, requestID, ev); err != nil {
		r.logger.Warn("progress push failed", "request_id", requestID, "status", ev.Status, "error", err)
	}
}

// PushProgressBestEffort pushes an event with its own deadline, logging
// rather than returning any failure. Used outside a run context, e.g. to
// report an invalid invocation before the process exits.
func (r *Reporter) PushProgressBestEffort(requestID string, ev progress.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	r.reportProgress(ctx, requestID, ev)
}

// ResultUpload is the terminal success payload for POST /send_image.
type ResultUpload struct {
	Job                *Job
	UpscaledResolution string
	Seed               int64
	Filename           string
	ImageData          []byte
}

// PushResult delivers the finished artifact to the receiver as a multipart
// upload carrying all request identifiers plus the image bytes.
func (r *Reporter) PushResult(ctx context.Context, up *ResultUpload) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	loras, err := json.Marshal(up.Job.Loras)
	if err != nil {
		return fmt.Errorf("marshal loras: %w", err)
	}

	fields := map[string]string{
		"request_id":          up.Job.RequestID,
		"user_id":             up.Job.UserID,
		"channel_id":          up.Job.ChannelID,
		"interaction_id":      up.Job.InteractionID,
		"original_message_id": up.Job.OriginalMessageID,
		"prompt":              up.Job.Prompt,
		"resolution":          up.Job.Resolution,
		"upscaled_resolution": up.UpscaledResolution,
		"loras":               string(loras),
		"upscale_factor":      strconv.Itoa(up.Job.UpscaleFactor),
		"seed":                strconv.FormatInt(up.Seed, 10),
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return fmt.Errorf("write %s field: %w", name, err)
		}
	}

	fw, err := mw.CreateFormFile("image_data", up.Filename)
	if err != nil {
		return fmt.Errorf("create image part: %w", err)
	}
	if _, err := fw.Write(up.ImageData); err != nil {
		return fmt.Errorf("write image part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	return r.postResult(ctx, &buf, mw.FormDataContentType())
}

// PushError delivers a terminal error for the request so the receiver can
// finalize registry and notification state without waiting for the timeout.
func (r *Reporter) PushError(ctx context.Context, requestID, message string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("request_id", requestID); err != nil {
		return fmt.Errorf("write request_id field: %w", err)
	}
	if err := mw.WriteField("error", message); err != nil {
		return fmt.Errorf("write error field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	return r.postResult(ctx, &buf, mw.FormDataContentType())
}

func (r *Reporter) postResult(ctx context.Context, body *bytes.Buffer, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/send_image", body)
	if err != nil {
		return fmt.Errorf("build result request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("push result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push result: unexpected status %d", resp.StatusCode)
	}
	return nil
}
