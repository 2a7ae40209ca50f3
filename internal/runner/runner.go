// Package runner drives one generation job end-to-end against the compute
// backend: it patches the workflow, queues it, relays the event stream as
// throttled progress updates, and delivers exactly one terminal outcome to
// the receiver.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odalys-dev/comfyrelay/internal/comfy"
	"github.com/odalys-dev/comfyrelay/internal/progress"
	"github.com/odalys-dev/comfyrelay/internal/workflow"
)

// Job states, in lifecycle order.
const (
	StateSubmitted  = "submitted"
	StateConnecting = "connecting"
	StateLoading    = "loading"
	StateGenerating = "generating"
	StateFinalizing = "finalizing"
	StateDelivered  = "delivered"
	StateFailed     = "failed"
)

// intermediatePrefix marks backend artifacts that are intermediate steps,
// never the deliverable.
const intermediatePrefix = "ComfyUI_temp"

// Terminal failure sentinels.
var (
	// ErrBackendUnreachable means the streaming session could not be opened.
	ErrBackendUnreachable = errors.New("backend unreachable")
	// ErrNoFinalArtifact means the job completed without a deliverable output.
	ErrNoFinalArtifact = errors.New("no final artifact produced")
)

// unknownResolution is the display placeholder when the upscaled resolution
// cannot be computed.
const unknownResolution = "Unknown"

// Job is one generation request as handed to the runner process.
type Job struct {
	RequestID         string
	UserID            string
	ChannelID         string
	InteractionID     string
	OriginalMessageID string
	Prompt            string
	Resolution        string
	Loras             []string
	UpscaleFactor     int
	Workflow          string
	Seed              *int64
}

// Runner executes a single job.
type Runner struct {
	comfyHost string
	client    *comfy.Client
	dir       *workflow.Dir
	reporter  *Reporter
	logger    *slog.Logger

	state string
}

// New creates a runner for one job.
func New(comfyHost string, dir *workflow.Dir, reporter *Reporter, logger *slog.Logger) *Runner {
	return &Runner{
		comfyHost: comfyHost,
		client:    comfy.NewClient(comfyHost),
		dir:       dir,
		reporter:  reporter,
		logger:    logger,
		state:     StateSubmitted,
	}
}

func (r *Runner) setState(state string) {
	r.logger.Debug("state transition", "from", r.state, "to", state)
	r.state = state
}

// State returns the runner's current lifecycle state.
func (r *Runner) State() string {
	return r.state
}

// Run executes the job. On failure it pushes a terminal error result to the
// receiver so registry and notification state are finalized either way, then
// returns the error.
func (r *Runner) Run(ctx context.Context, job *Job) error {
	err := r.run(ctx, job)
	if err != nil {
		r.setState(StateFailed)
		r.reporter.reportProgress(ctx, job.RequestID, progress.Event{
			Status:  progress.StatusError,
			Message: err.Error(),
		})
		if perr := r.reporter.PushError(ctx, job.RequestID, err.Error()); perr != nil {
			r.logger.Error("error result push failed", "request_id", job.RequestID, "error", perr)
		}
		return err
	}
	r.setState(StateDelivered)
	return nil
}

func (r *Runner) run(ctx context.Context, job *Job) error {
	r.reporter.reportProgress(ctx, job.RequestID, progress.Event{
		Status: progress.StatusStarting, Message: "Starting generation process...",
	})

	r.reporter.reportProgress(ctx, job.RequestID, progress.Event{
		Status: progress.StatusLoading, Message: "Loading workflow...", Progress: 5,
	})
	graph, err := r.dir.Load(job.Workflow)
	if err != nil {
		return err
	}
	// Per-request workflow files are cleaned up once the job is over.
	defer func() {
		if err := r.dir.Remove(job.Workflow); err != nil {
			r.logger.Warn("workflow cleanup failed", "workflow", job.Workflow, "error", err)
		}
	}()

	r.reporter.reportProgress(ctx, job.RequestID, progress.Event{
		Status: progress.StatusLoading, Message: "Initializing parameters...", Progress: 10,
	})
	seed := workflow.RandomSeed()
	if job.Seed != nil {
		seed = *job.Seed
	}

	loraCfg, err := r.dir.LoadLoraConfig()
	if err != nil {
		return err
	}
	r.dir.Patch(graph, loraCfg, workflow.Params{
		Prompt:        job.Prompt,
		Resolution:    job.Resolution,
		Loras:         job.Loras,
		UpscaleFactor: job.UpscaleFactor,
		Seed:          seed,
	})

	upscaled := unknownResolution
	if ratios, err := r.dir.LoadRatioConfig(); err != nil {
		r.logger.Warn("ratios config unavailable", "error", err)
	} else if res, err := ratios.UpscaledResolution(job.Resolution, job.UpscaleFactor); err != nil {
		r.logger.Warn("upscaled resolution not computed", "resolution", job.Resolution, "error", err)
	} else {
		upscaled = res
	}

	r.setState(StateConnecting)
	r.reporter.reportProgress(ctx, job.RequestID, progress.Event{
		Status: progress.StatusLoading, Message: "Connecting to ComfyUI...", Progress: 15,
	})
	stream, err := r.client.DialStream(ctx, r.comfyHost)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer stream.Close()

	if err := stream.ClearCache(); err != nil {
		r.logger.Warn("clear_cache failed", "error", err)
	}

	r.setState(StateLoading)
	r.reporter.reportProgress(ctx, job.RequestID, progress.Event{
		Status: progress.StatusLoading, Message: "Loading models and preparing generation...", Progress: 20,
	})

	promptID, err := r.client.QueuePrompt(ctx, graph)
	if err != nil {
		return err
	}
	r.logger.Info("job queued", "request_id", job.RequestID, "prompt_id", promptID)

	if err := r.relayEvents(ctx, job, stream, promptID); err != nil {
		return err
	}

	r.reporter.reportProgress(ctx, job.RequestID, progress.Event{
		Status: progress.StatusComplete, Message: "Generation complete!", Progress: 100,
	})

	r.setState(StateFinalizing)
	entry, err := r.client.GetHistory(ctx, promptID)
	if err != nil {
		return err
	}

	ref, ok := FinalArtifact(entry.Outputs)
	if !ok {
		return ErrNoFinalArtifact
	}

	imageData, err := r.client.GetImage(ctx, ref)
	if err != nil {
		return err
	}

	r.reporter.reportProgress(ctx, job.RequestID, progress.Event{
		Status: progress.StatusFinalizing, Message: "Sending generated image...", Progress: 95,
	})

	return r.reporter.PushResult(ctx, &ResultUpload{
		Job:                job,
		UpscaledResolution: upscaled,
		Seed:               seed,
		Filename:           ref.Filename,
		ImageData:          imageData,
	})
}

// relayEvents consumes the backend stream until the completion sentinel for
// promptID arrives, forwarding throttled progress along the way.
func (r *Runner) relayEvents(ctx context.Context, job *Job, stream *comfy.Stream, promptID string) error {
	r.setState(StateGenerating)
	var milestones progress.MilestoneTracker

	for {
		ev, err := stream.Next()
		if err != nil {
			return err
		}

		switch ev := ev.(type) {
		case *comfy.ExecutionStart:
			r.reporter.reportProgress(ctx, job.RequestID, progress.Event{
				Status: progress.StatusStarting, Message: "Starting execution...",
			})

		case *comfy.Executing:
			if msg, ok := comfy.LoadStage(ev); ok {
				r.reporter.reportProgress(ctx, job.RequestID, progress.Event{
					Status: progress.StatusLoading, Message: msg,
				})
			}
			if ev.Done(promptID) {
				return nil
			}

		case *comfy.Progress:
			pct := progress.Percent(ev.Value, ev.Max)
			if milestones.Advance(pct) {
				r.reporter.reportProgress(ctx, job.RequestID, progress.Event{
					Status:   progress.StatusGenerating,
					Message:  fmt.Sprintf("Generating image... %d%%", pct),
					Progress: pct,
				})
			}
			r.logger.Info("generation progress",
				"request_id", job.RequestID, "step", ev.Value, "max", ev.Max, "percent", pct)

		case *comfy.ExecutionCached:
			r.reporter.reportProgress(ctx, job.RequestID, progress.Event{
				Status: progress.StatusCached, Message: "Using cached result...",
			})

		case *comfy.Unknown:
			r.logger.Debug("unrecognized backend event", "type", ev.Type)
		}
	}
}

// FinalArtifact applies the output selection rule: among all artifacts from
// the job, pick the last non-intermediate one: nodes in reverse document
// order, items in reverse order within each node. Intermediates are
// identified by filename prefix.
func FinalArtifact(outputs comfy.OutputList) (comfy.ImageRef, bool) {
	for i := len(outputs) - 1; i >= 0; i-- {
		images := outputs[i].Images
		for j := len(images) - 1; j >= 0; j-- {
			if !strings.HasPrefix(images[j].Filename, intermediatePrefix) {
				return images[j], true
			}
		}
	}
	return comfy.ImageRef{}, false
}
