package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttsdispatch/internal/config"
)

func getLogFilePath() (string, error) {
	dir, err := config.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, config.AppName+".log"), nil
}

// setupLog configures the default logger. With TTSD_DEBUG set, debug
// output goes to a log file under the user data dir; otherwise logs go to
// stderr at the level from TTSD_LOG_LEVEL.
func setupLog() (func() error, error) {
	cfg, err := parseEnv()
	if err != nil {
		return nil, err
	}

	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.RFC3339)
	if cfg.LogFormat == "json" {
		log.SetFormatter(log.JSONFormatter)
	} else if cfg.LogFormat == "logfmt" {
		log.SetFormatter(log.LogfmtFormatter)
	}

	if !cfg.Debug {
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid TTSD_LOG_LEVEL: %w", err)
		}
		log.SetOutput(os.Stderr)
		log.SetLevel(level)
		return func() error { return nil }, nil
	}

	logFile, err := getLogFilePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil { //nolint:gosec
		return nil, fmt.Errorf("unable to create log directory: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("unable to open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(f, os.Stderr))
	log.SetLevel(log.DebugLevel)
	return f.Close, nil
}
