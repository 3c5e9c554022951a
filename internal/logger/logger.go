// Package logger provides structured logging using zerolog.
// It sets up a JSON logger with service-level context and provides
// trace ID propagation through context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level zerolog.Level) zerolog.Logger {
	return InitWithWriter(service, level, os.Stdout)
}

// InitWithWriter is Init with an explicit sink. The logger also becomes the
// zerolog global so log.Info() etc. share its fields.
func InitWithWriter(service string, level zerolog.Level, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	l := zerolog.New(w).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()

	log.Logger = l
	return l
}

// Console wraps w for human-readable local output.
func Console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
}

// ParseLevel maps debug/info/warn/error onto zerolog levels; anything else is info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID creates a trace ID from a prefix and timestamp.
// Format: "{prefix}-{unixNano}".
func GenerateTraceID(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", prefix, ts.UnixNano())
}

// From returns l annotated with the context's trace ID, if any.
func From(ctx context.Context, l zerolog.Logger) zerolog.Logger {
	tid := TraceID(ctx)
	if tid == "" {
		return l
	}
	return l.With().Str("trace_id", tid).Logger()
}
