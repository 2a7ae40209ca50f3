package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/odalys-dev/comfyrelay/internal/model"
)

// ProcessLauncher starts one runner process per request. The process talks
// to the backend on its own and reports back over the receiver's HTTP
// surface, so the receiver never blocks on job execution.
type ProcessLauncher struct {
	binary string
	logger *slog.Logger
}

// NewProcessLauncher creates a launcher for the given runner binary.
func NewProcessLauncher(binary string, logger *slog.Logger) *ProcessLauncher {
	return &ProcessLauncher{binary: binary, logger: logger}
}

// Args builds the fixed positional argument schema the runner binary
// expects: request id, user id, channel id, interaction id, original message
// id, prompt, resolution, JSON-encoded loras, upscale factor, workflow
// reference, and optionally the seed.
func Args(req *model.PendingRequest) ([]string, error) {
	loras, err := json.Marshal(req.Loras)
	if err != nil {
		return nil, fmt.Errorf("marshal loras: %w", err)
	}

	args := []string{
		req.RequestID,
		req.UserID,
		req.ChannelID,
		req.InteractionID,
		req.OriginalMessageID,
		req.Prompt,
		req.Resolution,
		string(loras),
		strconv.Itoa(req.UpscaleFactor),
		req.Workflow,
	}
	if req.Seed != nil {
		args = append(args, strconv.FormatInt(*req.Seed, 10))
	}
	return args, nil
}

// Launch starts the runner process for a request. The process is not waited
// on inline; a reaper goroutine collects its exit status for logging.
func (l *ProcessLauncher) Launch(ctx context.Context, req *model.PendingRequest) error {
	args, err := Args(req)
	if err != nil {
		return err
	}

	cmd := exec.Command(l.binary, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	l.logger.Info("runner started", "request_id", req.RequestID, "pid", cmd.Process.Pid)

	go func() {
		if err := cmd.Wait(); err != nil {
			l.logger.Warn("runner exited with error", "request_id", req.RequestID, "error", err)
			return
		}
		l.logger.Debug("runner exited", "request_id", req.RequestID)
	}()

	return nil
}

// ParseJob decodes the positional argument schema back into a Job. It is the
// inverse of Args and is what the runner binary calls at startup. Missing
// required positions is a configuration error.
func ParseJob(args []string) (*Job, error) {
	if len(args) < 10 {
		return nil, fmt.Errorf("expected at least 10 arguments, got %d", len(args))
	}

	var loras []string
	if err := json.Unmarshal([]byte(args[7]), &loras); err != nil {
		return nil, fmt.Errorf("decode loras argument: %w", err)
	}

	upscale, err := strconv.Atoi(args[8])
	if err != nil || upscale < 1 {
		upscale = 1
	}

	job := &Job{
		RequestID:         args[0],
		UserID:            args[1],
		ChannelID:         args[2],
		InteractionID:     args[3],
		OriginalMessageID: args[4],
		Prompt:            args[5],
		Resolution:        args[6],
		Loras:             loras,
		UpscaleFactor:     upscale,
		Workflow:          args[9],
	}

	if len(args) > 10 && args[10] != "" && args[10] != "None" {
		seed, err := strconv.ParseInt(args[10], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode seed argument: %w", err)
		}
		job.Seed = &seed
	}

	return job, nil
}
