// Package logging builds the slog logger used across the module.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options controls logger construction
type Options struct {
	Level  string
	Format string
	// File receives log output when set; stderr otherwise.
	File string
	// Rotation applies to File. Its Filename is ignored.
	Rotation RotationConfig
}

// ParseLevel parses a DEBUG, INFO, WARN (or WARNING) or ERROR level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// New builds a logger writing to opts.File, or to stderr. The returned
// closer releases the file and is a no-op for stderr.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotation := opts.Rotation
		rotation.Filename = opts.File
		f, err := NewRotatingFile(rotation)
		if err != nil {
			return nil, nil, err
		}
		out, closer = f, f
	}

	handler, err := NewHandler(out, level, opts.Format)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return slog.New(handler), closer, nil
}

// NewHandler returns a text or JSON handler at level.
func NewHandler(w io.Writer, level slog.Level, format string) (slog.Handler, error) {
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, handlerOpts), nil
	case "json":
		return slog.NewJSONHandler(w, handlerOpts), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
