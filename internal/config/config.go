package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultComfyHost      = "127.0.0.1:8188"
	defaultHistoryDBPath  = "comfyrelay.db"
	defaultDataDir        = "datasets"
	defaultRunnerBinary   = "comfyrun"
	defaultRequestTimeout = 300 * time.Second

	envListenAddr     = "COMFYRELAY_LISTEN_ADDR"
	envComfyHost      = "COMFYRELAY_COMFY_HOST"
	envReceiverURL    = "COMFYRELAY_RECEIVER_URL"
	envMessageAPIBase = "COMFYRELAY_MESSAGE_API_BASE"
	envMessageToken   = "COMFYRELAY_MESSAGE_TOKEN"
	envHistoryDBPath  = "COMFYRELAY_HISTORY_DB_PATH"
	envDataDir        = "COMFYRELAY_DATA_DIR"
	envRunnerBinary   = "COMFYRELAY_RUNNER_BINARY"
	envRequestTimeout = "COMFYRELAY_REQUEST_TIMEOUT_S"
	envLogLevel       = "COMFYRELAY_LOG_LEVEL"
)

// Config holds application configuration loaded from environment variables.
// The receiver and the runner binary share one config surface; each reads
// the fields it needs.
type Config struct {
	ListenAddr     string
	ComfyHost      string
	ReceiverURL    string
	MessageAPIBase string
	MessageToken   string
	HistoryDBPath  string
	DataDir        string
	RunnerBinary   string
	RequestTimeout time.Duration
	LogLevel       slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		ComfyHost:      defaultComfyHost,
		ReceiverURL:    "http://127.0.0.1:8080",
		HistoryDBPath:  defaultHistoryDBPath,
		DataDir:        defaultDataDir,
		RunnerBinary:   defaultRunnerBinary,
		RequestTimeout: defaultRequestTimeout,
		LogLevel:       slog.LevelInfo,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envComfyHost); v != "" {
		cfg.ComfyHost = v
	}
	if v := os.Getenv(envReceiverURL); v != "" {
		cfg.ReceiverURL = v
	}
	if v := os.Getenv(envMessageAPIBase); v != "" {
		cfg.MessageAPIBase = v
	}
	if v := os.Getenv(envMessageToken); v != "" {
		cfg.MessageToken = v
	}
	if v := os.Getenv(envHistoryDBPath); v != "" {
		cfg.HistoryDBPath = v
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envRunnerBinary); v != "" {
		cfg.RunnerBinary = v
	}
	if v := os.Getenv(envRequestTimeout); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.RequestTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
