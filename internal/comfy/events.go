package comfy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Streamed message types emitted by the backend over the websocket.
const (
	msgExecutionStart  = "execution_start"
	msgExecuting       = "executing"
	msgProgress        = "progress"
	msgExecutionCached = "execution_cached"
)

// envelope is the wire shape of every streamed message.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is one decoded backend message. Exactly one of the concrete types
// below is returned per message; shapes outside the known set decode to
// Unknown rather than failing the stream.
type Event interface {
	eventType() string
}

// ExecutionStart signals that the backend began executing a job.
type ExecutionStart struct {
	PromptID string `json:"prompt_id"`
}

// Executing reports the node currently being executed. A nil Node together
// with a matching PromptID is the completion sentinel for the job.
type Executing struct {
	Node     *string  `json:"node"`
	PromptID string   `json:"prompt_id"`
	NodeType string   `json:"node_type"`
	NodeInfo nodeInfo `json:"node_info"`
}

type nodeInfo struct {
	Title string `json:"title"`
}

// Done reports whether this event is the completion sentinel for the given
// job correlation id.
func (e *Executing) Done(promptID string) bool {
	return e.Node == nil && e.PromptID == promptID
}

// Progress reports sampler step progress.
type Progress struct {
	Value int `json:"value"`
	Max   int `json:"max"`
}

// ExecutionCached signals that the backend reused cached node outputs.
type ExecutionCached struct {
	PromptID string   `json:"prompt_id"`
	Nodes    []string `json:"nodes"`
}

// Unknown is any message type outside the known set. The stream carries on;
// callers may log and ignore it.
type Unknown struct {
	Type string
}

func (*ExecutionStart) eventType() string  { return msgExecutionStart }
func (*Executing) eventType() string       { return msgExecuting }
func (*Progress) eventType() string        { return msgProgress }
func (*ExecutionCached) eventType() string { return msgExecutionCached }
func (u *Unknown) eventType() string       { return u.Type }

// ParseEvent decodes one streamed message into its typed event.
func ParseEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}

	switch env.Type {
	case msgExecutionStart:
		ev := &ExecutionStart{}
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case msgExecuting:
		ev := &Executing{}
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case msgProgress:
		ev := &Progress{}
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case msgExecutionCached:
		ev := &ExecutionCached{}
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	default:
		return &Unknown{Type: env.Type}, nil
	}
}

// LoadStage classifies an executing event into a human-readable resource
// loading message. Classification keys on the node type reported by the
// backend; it is best-effort and backend-version-dependent, so missing a
// stage only costs a progress update, never the job.
func LoadStage(ev *Executing) (string, bool) {
	switch {
	case ev.NodeType == "UNETLoader":
		return "Loading main model...", true
	case ev.NodeType == "CLIPLoader":
		return "Loading CLIP model...", true
	case ev.NodeType == "VAELoader":
		return "Loading VAE...", true
	case strings.HasPrefix(ev.NodeType, "Power Lora Loader"):
		title := ev.NodeInfo.Title
		if title == "" {
			title = "LoRA"
		}
		return fmt.Sprintf("Loading LoRA: %s", title), true
	default:
		return "", false
	}
}
