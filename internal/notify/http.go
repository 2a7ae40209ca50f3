package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/odalys-dev/comfyrelay/internal/model"
)

const clientTimeout = 30 * time.Second

// HTTPNotifier delivers notifications by editing the request's original
// message through a messaging REST API. Edits are PATCHed to
// {base}/channels/{channel_id}/messages/{message_id}.
type HTTPNotifier struct {
	base   string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPNotifier creates a notifier against the given API base URL. The
// token, when non-empty, is sent as the Authorization header.
func NewHTTPNotifier(base, token string, logger *slog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: clientTimeout},
		logger: logger,
	}
}

func (n *HTTPNotifier) editURL(req *model.PendingRequest) string {
	return fmt.Sprintf("%s/channels/%s/messages/%s", n.base, req.ChannelID, req.OriginalMessageID)
}

// UpdateContent replaces the target message's text content.
func (n *HTTPNotifier) UpdateContent(ctx context.Context, req *model.PendingRequest, content string) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("marshal content edit: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch, n.editURL(req), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build content edit: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return n.do(httpReq)
}

// resultPayload is the JSON part of a result edit. Content is cleared so the
// artifact and its fields replace any progress text.
type resultPayload struct {
	Content    string   `json:"content"`
	Kind       string   `json:"kind"`
	Prompt     string   `json:"prompt"`
	Resolution string   `json:"resolution"`
	LoraNames  []string `json:"lora_names,omitempty"`
	Seed       *int64   `json:"seed,omitempty"`
}

// DeliverResult replaces the target message with the finished artifact and
// its descriptive fields, sent as a multipart edit.
func (n *HTTPNotifier) DeliverResult(ctx context.Context, req *model.PendingRequest, res *Result) error {
	payload, err := json.Marshal(resultPayload{
		Kind:       res.Kind,
		Prompt:     res.Prompt,
		Resolution: res.Resolution,
		LoraNames:  res.LoraNames,
		Seed:       res.Seed,
	})
	if err != nil {
		return fmt.Errorf("marshal result payload: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("payload_json", string(payload)); err != nil {
		return fmt.Errorf("write payload part: %w", err)
	}
	fw, err := mw.CreateFormFile("files[0]", res.Filename)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := fw.Write(res.ImageData); err != nil {
		return fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch, n.editURL(req), &buf)
	if err != nil {
		return fmt.Errorf("build result edit: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	return n.do(httpReq)
}

func (n *HTTPNotifier) do(req *http.Request) error {
	if n.token != "" {
		req.Header.Set("Authorization", n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("message edit: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrTargetNotFound
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	default:
		n.logger.Warn("message edit rejected", "status", resp.StatusCode, "url", req.URL.Path)
		return fmt.Errorf("message edit: unexpected status %d", resp.StatusCode)
	}
}
