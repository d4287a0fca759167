// Package logging builds the structured loggers used by every service.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/decisionbot/project/internal/platform/env"
)

// New returns a logger for service configured from LOG_LEVEL and LOG_FORMAT.
func New(service string) *log.Logger {
	return NewWithWriter(os.Stderr, service, env.String("LOG_LEVEL", "info"), env.String("LOG_FORMAT", "text"))
}

// NewWithWriter builds a logger writing to w. Unknown levels fall back to info
// and unknown formats to text.
func NewWithWriter(w io.Writer, service, level, format string) *log.Logger {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          service,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter(format),
	})
}

// Discard is a logger for tests.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

func formatter(format string) log.Formatter {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}
