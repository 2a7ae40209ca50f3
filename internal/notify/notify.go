// Package notify defines the boundary to the notification platform: the
// receiver hands it replacement message content and finished results, and it
// delivers them to the channel/message pair a request is bound to. Rich
// rendering (embeds, interactive views) lives on the platform side and is
// outside this package.
package notify

import (
	"context"
	"errors"

	"github.com/odalys-dev/comfyrelay/internal/model"
)

// Sentinel errors for notification delivery. Both are logged and swallowed
// by callers: a missing or forbidden target never blocks registry cleanup.
var (
	// ErrTargetNotFound means the channel or message no longer exists.
	ErrTargetNotFound = errors.New("notification target not found")
	// ErrForbidden means the client lacks permission to edit the target.
	ErrForbidden = errors.New("notification target forbidden")
)

// Result is a finished generation handed to the notification target.
type Result struct {
	Kind          string   // presentation variant, one of the model.Kind* values
	Prompt        string
	Resolution    string   // display annotation, e.g. "1024x1024 → 2048x2048 (Upscaled 2x)"
	LoraNames     []string // display names; nil when the variant hides LoRAs
	Seed          *int64
	Filename      string
	ImageData     []byte
}

// Notifier is the notification collaborator. UpdateContent replaces the
// target message's text content; DeliverResult replaces it with the final
// artifact and its descriptive fields.
type Notifier interface {
	UpdateContent(ctx context.Context, req *model.PendingRequest, content string) error
	DeliverResult(ctx context.Context, req *model.PendingRequest, res *Result) error
}
