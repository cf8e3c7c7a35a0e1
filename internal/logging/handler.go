// Package logging builds the slog handler used by the gateway.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Log formats.
const (
	FormatAuto   = ""
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// Config selects the log level and output format.
type Config struct {
	// Level is debug, info, warn or error (default info).
	Level string
	// Format is json, pretty, or empty to pick pretty on a terminal.
	Format string
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %q", s)
	}
}

// New returns a handler writing to stderr.
func New(cfg Config) slog.Handler {
	return NewHandler(os.Stderr, cfg, isTerminal(os.Stderr))
}

// NewHandler returns a colourised tint handler when the output is a terminal
// or the format is pretty, and a JSON handler otherwise. An invalid level
// falls back to info.
func NewHandler(w io.Writer, cfg Config, tty bool) slog.Handler {
	level, _ := ParseLevel(cfg.Level)

	pretty := cfg.Format == FormatPretty || (cfg.Format == FormatAuto && tty)
	if pretty {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !tty,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
