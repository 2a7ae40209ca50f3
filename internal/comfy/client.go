// Package comfy is the client for the ComfyUI compute backend: job
// submission and artifact retrieval over HTTP, and event streaming over a
// websocket session.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// requestTimeout bounds each HTTP request against the backend.
const requestTimeout = 30 * time.Second

// ErrNoPromptID is returned when the enqueue acknowledgement carries no job
// correlation id.
var ErrNoPromptID = errors.New("no prompt_id in queue response")

// Client talks to one ComfyUI server. Each client carries its own client id,
// which ties the websocket session to the prompts it queues.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
}

// NewClient creates a client for the backend at host (host or host:port).
func NewClient(host string) *Client {
	return &Client{
		baseURL:  "http://" + host,
		clientID: uuid.NewString(),
		http:     &http.Client{Timeout: requestTimeout},
	}
}

// ClientID returns the correlation client id used for queueing and the
// websocket session.
func (c *Client) ClientID() string {
	return c.clientID
}

// queueResponse is the acknowledgement for a queued prompt.
type queueResponse struct {
	PromptID string `json:"prompt_id"`
}

// QueuePrompt submits a workflow graph for execution and returns the
// backend's correlation id for the job.
func (c *Client) QueuePrompt(ctx context.Context, graph any) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    graph,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build queue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("queue prompt: unexpected status %d", resp.StatusCode)
	}

	var ack queueResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("decode queue response: %w", err)
	}
	if ack.PromptID == "" {
		return "", ErrNoPromptID
	}
	return ack.PromptID, nil
}

// ImageRef locates one output artifact on the backend.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is the recorded output list of one workflow node, in the
// order the backend reported it.
type NodeOutput struct {
	NodeID string
	Images []ImageRef
}

// OutputList preserves the backend's node-output document order, which the
// artifact selection rule depends on. A plain map would lose it.
type OutputList []NodeOutput

// UnmarshalJSON decodes the outputs object token by token to keep key order.
func (o *OutputList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode outputs: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("decode outputs: expected object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode outputs key: %w", err)
		}
		nodeID, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decode outputs key: expected string, got %v", keyTok)
		}

		var body struct {
			Images []ImageRef `json:"images"`
		}
		if err := dec.Decode(&body); err != nil {
			return fmt.Errorf("decode outputs for node %s: %w", nodeID, err)
		}
		*o = append(*o, NodeOutput{NodeID: nodeID, Images: body.Images})
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode outputs close: %w", err)
	}
	return nil
}

// HistoryEntry is the recorded execution of one prompt.
type HistoryEntry struct {
	Outputs OutputList `json:"outputs"`
}

// GetHistory fetches the execution record for a completed prompt.
func (c *Client) GetHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get history: unexpected status %d", resp.StatusCode)
	}

	var all map[string]HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	entry, ok := all[promptID]
	if !ok {
		return nil, fmt.Errorf("history has no entry for prompt %s", promptID)
	}
	return &entry, nil
}

// GetImage downloads one output artifact.
func (c *Client) GetImage(ctx context.Context, ref ImageRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build view request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get image %s: %w", ref.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get image %s: unexpected status %d", ref.Filename, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", ref.Filename, err)
	}
	return data, nil
}
