package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/odalys-dev/comfyrelay/internal/api"
	"github.com/odalys-dev/comfyrelay/internal/config"
	"github.com/odalys-dev/comfyrelay/internal/history"
	"github.com/odalys-dev/comfyrelay/internal/notify"
	"github.com/odalys-dev/comfyrelay/internal/registry"
	"github.com/odalys-dev/comfyrelay/internal/runner"
	"github.com/odalys-dev/comfyrelay/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("comfyrelay: starting",
		"listen_addr", cfg.ListenAddr,
		"comfy_host", cfg.ComfyHost,
		"history_db_path", cfg.HistoryDBPath,
		"request_timeout", cfg.RequestTimeout.String(),
	)

	hist, err := history.NewStore(cfg.HistoryDBPath)
	if err != nil {
		log.Fatalf("failed to open history database: %v", err)
	}
	defer hist.Close()

	notifier := notify.NewHTTPNotifier(cfg.MessageAPIBase, cfg.MessageToken, logger)
	reg := registry.New()
	sup := registry.NewSupervisor(reg, notifier, logger)
	workflows := workflow.NewDir(cfg.DataDir, logger)
	launcher := runner.NewProcessLauncher(cfg.RunnerBinary, logger)

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Registry:   reg,
		Supervisor: sup,
		Notifier:   notifier,
		History:    hist,
		Workflows:  workflows,
		Launcher:   launcher,
		Deadline:   cfg.RequestTimeout,
	}, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
