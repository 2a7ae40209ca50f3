package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/odalys-dev/comfyrelay/internal/config"
	"github.com/odalys-dev/comfyrelay/internal/progress"
	"github.com/odalys-dev/comfyrelay/internal/runner"
	"github.com/odalys-dev/comfyrelay/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	reporter := runner.NewReporter(cfg.ReceiverURL, logger)

	job, err := runner.ParseJob(os.Args[1:])
	if err != nil {
		// A bad invocation is a configuration error; report it through the
		// progress channel when a request id is available so the receiver
		// can show something, then exit.
		if len(os.Args) > 1 {
			reporter.PushProgressBestEffort(os.Args[1], progress.Event{
				Status:  progress.StatusError,
				Message: fmt.Sprintf("Configuration error: %v", err),
			})
		}
		logger.Error("invalid invocation", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	dir := workflow.NewDir(cfg.DataDir, logger)
	r := runner.New(cfg.ComfyHost, dir, reporter, logger)

	if err := r.Run(context.Background(), job); err != nil {
		logger.Error("job failed", "request_id", job.RequestID, "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
