// Package logging bootstraps the process-wide zerolog logger used by both
// the node agent and the panel.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls how the root logger is constructed.
type Options struct {
	// Level is one of debug|info|warn|error. Defaults to info.
	Level string
	// Pretty enables a human-readable console writer (dev mode). When
	// false, logs are emitted as newline-delimited JSON.
	Pretty bool
	// Component is attached to every log line, e.g. "node" or "panel".
	Component string
}

// New builds a configured zerolog.Logger. It never panics on a bad level;
// unrecognized values fall back to info, matching the teacher's env-driven
// level switch in cmd/protector/main.go.
func New(opts Options) zerolog.Logger {
	var w zerolog.Logger
	if opts.Pretty {
		w = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		w = zerolog.New(os.Stdout)
	}
	logger := w.With().Timestamp().Str("component", opts.Component).Logger()
	logger = logger.Level(parseLevel(opts.Level))
	return logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// FromEnv reads LOG_LEVEL and LOG_PRETTY the way the teacher's main.go
// reads LOG_LEVEL, defaulting pretty output to true for local/dev runs.
func FromEnv(component string) Options {
	pretty := true
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		pretty = v == "1" || strings.EqualFold(v, "true")
	}
	return Options{
		Level:     os.Getenv("LOG_LEVEL"),
		Pretty:    pretty,
		Component: component,
	}
}
