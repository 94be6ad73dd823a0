// Package logging builds the process logger and carries request-scoped
// loggers through context.Context.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New creates a zerolog logger. level is debug|info|warn|error (default
// info), format is json|console, output is stdout|stderr|<file path>.
func New(level, format, output string) zerolog.Logger {
	var (
		w       io.Writer = os.Stdout
		openErr error
	)
	switch output {
	case "", "stdout":
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			openErr = err
		} else {
			w = f
		}
	}
	l := NewWithWriter(level, format, w)
	if openErr != nil {
		l.Warn().Err(openErr).Str("path", output).Msg("failed to open log file, using stdout")
	}
	return l
}

// NewWithWriter is New with an explicit writer.
func NewWithWriter(level, format string, w io.Writer) zerolog.Logger {
	if format == "console" || format == "text" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithContext embeds l in ctx.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext returns the logger in ctx, or a Nop logger.
func FromContext(ctx context.Context) zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return zerolog.Nop()
	}
	return *l
}

// WithFields returns ctx with a child logger carrying the given string fields.
// Empty values are skipped.
func WithFields(ctx context.Context, kv ...string) context.Context {
	l := FromContext(ctx)
	c := l.With()
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			c = c.Str(kv[i], kv[i+1])
		}
	}
	return c.Logger().WithContext(ctx)
}
