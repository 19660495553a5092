package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls logger behavior.
type Config struct {
	Level     slog.Level
	DevMode   bool
	AddSource bool
	// Format is "json" or "text". Dev mode always logs text.
	Format string
	// Output defaults to stderr so that command output on stdout stays
	// machine readable.
	Output io.Writer
}

// New creates a configured slog.Logger.
func New(cfg Config) *slog.Logger {
	return slog.New(newHandler(cfg))
}

// NewWithJournal creates a logger that additionally keeps recent
// warnings and errors in j for diagnostics.
func NewWithJournal(cfg Config, j *Journal) *slog.Logger {
	return slog.New(&journalHandler{primary: newHandler(cfg), journal: j})
}

func newHandler(cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource || cfg.DevMode,
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.DevMode || cfg.Format == "text" {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

// ParseLevel maps a configured level name to a slog.Level. Unknown names
// yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
