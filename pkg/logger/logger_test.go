package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsTraceFields(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	l := &Logger{Logger: zap.New(core)}

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	l.WithContext(ctx).Info("dispatched")

	entries := observed.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", fields["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", fields["span_id"])
}

func TestWithContextWithoutSpanKeepsLogger(t *testing.T) {
	l := &Logger{Logger: zap.NewNop()}
	assert.Same(t, l, l.WithContext(context.Background()))
}

func TestNewBuildsForEachEnvironment(t *testing.T) {
	for _, env := range []string{"development", "production"} {
		l, err := New(env)
		require.NoError(t, err, env)
		require.NotNil(t, l.Logger)
	}
}
