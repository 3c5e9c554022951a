package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithWriter_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := InitWithWriter("navsyncd", zerolog.InfoLevel, &buf)
	l.Info().Str("component", "scheduler").Msg("cycle started")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "navsyncd", rec["service"])
	assert.Equal(t, "scheduler", rec["component"])
	assert.Equal(t, "cycle started", rec["message"])
}

func TestInitWithWriter_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := InitWithWriter("navsyncd", zerolog.WarnLevel, &buf)
	l.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	l.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestInitWithWriter_SetsGlobal(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("navsyncd", zerolog.InfoLevel, &buf)
	log.Info().Msg("via global")
	assert.Contains(t, buf.String(), `"service":"navsyncd"`)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TraceID(ctx))

	ctx = WithTraceID(ctx, "cycle-123")
	assert.Equal(t, "cycle-123", TraceID(ctx))
}

func TestGenerateTraceID(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC)
	tid := GenerateTraceID("cycle", ts)
	assert.True(t, strings.HasPrefix(tid, "cycle-"))
	assert.Contains(t, tid, "123456789")
}

func TestFrom_AddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	base := InitWithWriter("navsyncd", zerolog.InfoLevel, &buf)

	plain := From(context.Background(), base)
	plain.Info().Msg("plain")
	assert.NotContains(t, buf.String(), "trace_id")

	buf.Reset()
	traced := From(WithTraceID(context.Background(), "abc"), base)
	traced.Info().Msg("traced")
	assert.Contains(t, buf.String(), `"trace_id":"abc"`)
}
