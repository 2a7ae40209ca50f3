// Package progress defines the normalized progress vocabulary shared by the
// job runner and the receiver, plus the milestone throttle that bounds how
// often generation updates reach the notification target.
package progress

import "fmt"

// Status constants for normalized progress events.
const (
	StatusStarting   = "starting"
	StatusLoading    = "loading"
	StatusGenerating = "generating"
	StatusCached     = "cached"
	StatusFinalizing = "finalizing"
	StatusComplete   = "complete"
	StatusError      = "error"
)

// Event is a normalized progress update. Progress is a 0-100 percentage and
// is meaningful only for StatusGenerating.
type Event struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Progress int    `json:"progress"`
}

// statusInfo is one row of the status display table.
type statusInfo struct {
	emoji   string
	message string
}

// statusTable maps each known status to its display prefix and default text.
var statusTable = map[string]statusInfo{
	StatusStarting:   {"🚀", "Starting generation..."},
	StatusLoading:    {"⏳", "Loading..."},
	StatusGenerating: {"🎨", "Generating image..."},
	StatusCached:     {"♻️", "Using cached result..."},
	StatusFinalizing: {"📦", "Finalizing..."},
	StatusComplete:   {"✅", "Generation complete!"},
	StatusError:      {"❌", "Generation failed:"},
}

// defaultInfo is used for statuses outside the known vocabulary.
var defaultInfo = statusInfo{"⚙️", "Processing..."}

// FormatContent renders an event as the replacement content for the
// notification target. Generating events append the percentage, error events
// append the detail message, everything else shows the status text alone.
func FormatContent(ev Event) string {
	info, ok := statusTable[ev.Status]
	if !ok {
		info = defaultInfo
		if ev.Message != "" {
			return fmt.Sprintf("%s %s", info.emoji, ev.Message)
		}
		return fmt.Sprintf("%s %s", info.emoji, info.message)
	}

	switch ev.Status {
	case StatusGenerating:
		return fmt.Sprintf("%s %s %d%%", info.emoji, info.message, ev.Progress)
	case StatusError:
		return fmt.Sprintf("%s %s %s", info.emoji, info.message, ev.Message)
	case StatusLoading:
		// Loading events carry a resource-specific message from the runner.
		if ev.Message != "" {
			return fmt.Sprintf("%s %s", info.emoji, ev.Message)
		}
		return fmt.Sprintf("%s %s", info.emoji, info.message)
	default:
		return fmt.Sprintf("%s %s", info.emoji, info.message)
	}
}

// MilestoneTracker throttles generating-progress emission to new
// multiple-of-10 milestones below 100. The zero value is ready to use.
// It is not safe for concurrent use; each job owns its own tracker.
type MilestoneTracker struct {
	last int
}

// Percent computes the integer percentage for a step count using floor
// division. A non-positive max is treated as a single-step job.
func Percent(current, max int) int {
	if max <= 0 {
		max = 1
	}
	return current * 100 / max
}

// Advance reports whether the given percentage crosses a new milestone and,
// if so, records it. Milestones are strictly increasing multiples of 10 in
// [10, 90]; 100 is never emitted through this path.
func (m *MilestoneTracker) Advance(percent int) bool {
	milestone := percent / 10 * 10
	if milestone <= m.last || milestone >= 100 {
		return false
	}
	m.last = milestone
	return true
}
