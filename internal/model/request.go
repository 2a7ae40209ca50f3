package model

import (
	"strings"
	"time"
)

// Workflow kind constants. The kind determines which presentation variant a
// finished result is rendered with and whether LoRA metadata is shown.
const (
	KindStandard    = "standard"
	KindRedux       = "redux"
	KindReduxPrompt = "redux_prompt"
	KindPuLID       = "pulid"
)

// KindFromWorkflow classifies a workflow file reference into one of the
// closed set of workflow kinds. Unrecognized references are treated as
// standard generations.
func KindFromWorkflow(workflow string) string {
	name := strings.ToLower(workflow)
	switch {
	case strings.HasPrefix(name, "reduxprompt"):
		return KindReduxPrompt
	case strings.HasPrefix(name, "redux"):
		return KindRedux
	case strings.HasPrefix(name, "pulid"):
		return KindPuLID
	default:
		return KindStandard
	}
}

// ShowsLoras reports whether LoRA metadata is meaningful for display under
// the given workflow kind. Redux variants derive their conditioning from a
// source image, so the LoRA list is omitted.
func ShowsLoras(kind string) bool {
	return kind != KindRedux && kind != KindReduxPrompt
}

// PendingRequest identifies one in-flight generation request. Entries live
// in the registry from submission until exactly one of result delivery or
// timeout removes them.
type PendingRequest struct {
	RequestID         string    `json:"request_id"`
	UserID            string    `json:"user_id"`
	ChannelID         string    `json:"channel_id"`
	InteractionID     string    `json:"interaction_id"`
	OriginalMessageID string    `json:"original_message_id"`
	Prompt            string    `json:"prompt"`
	Resolution        string    `json:"resolution"`
	Loras             []string  `json:"loras,omitempty"`
	UpscaleFactor     int       `json:"upscale_factor"`
	Seed              *int64    `json:"seed,omitempty"`
	Workflow          string    `json:"workflow"`
	CreatedAt         time.Time `json:"created_at"`
}

// Kind returns the presentation variant for this request.
func (p *PendingRequest) Kind() string {
	return KindFromWorkflow(p.Workflow)
}
