// Package logging builds the engine's structured logger: a slog.Logger
// writing JSON records, optionally rotated to disk via lumberjack.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes and how it's rotated.
type Config struct {
	// FilePath, if non-empty, directs output to a rotated log file
	// instead of stderr.
	FilePath string
	// MaxSizeMB is the size at which the current log file is rotated.
	MaxSizeMB int
	// MaxBackups bounds how many rotated files are kept.
	MaxBackups int
	// MaxAgeDays bounds how long rotated files are kept.
	MaxAgeDays int
	// Level sets the minimum logged level; defaults to Info.
	Level slog.Level
}

// New builds a *slog.Logger per cfg. A zero Config logs Info-and-above
// JSON records to stderr.
func New(cfg Config) *slog.Logger {
	var out io.Writer = os.Stderr
	if cfg.FilePath != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    defaultInt(cfg.MaxSizeMB, 100),
			MaxBackups: defaultInt(cfg.MaxBackups, 5),
			MaxAge:     defaultInt(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.Level})
	return slog.New(handler)
}

// StdLogger adapts logger to the *log.Logger shape the engine's
// Server.ErrorLog field expects, so engine.conn's error-path fmt.Fprintf
// calls and logf still land through the structured slog pipeline.
func StdLogger(logger *slog.Logger, level slog.Level) *log.Logger {
	return slog.NewLogLogger(logger.Handler(), level)
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
