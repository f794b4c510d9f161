package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return NewTracerWithProvider(provider), recorder
}

func TestStartBlockApply(t *testing.T) {
	tracer, recorder := newRecordingTracer()

	_, span := tracer.StartBlockApply(context.Background(), 77, 3)
	EndSpan(span, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "block.apply", spans[0].Name())
	require.Equal(t, codes.Ok, spans[0].Status().Code)

	attrs := spans[0].Attributes()
	found := false
	for _, attr := range attrs {
		if string(attr.Key) == "block.height" {
			require.EqualValues(t, 77, attr.Value.AsInt64())
			found = true
		}
	}
	require.True(t, found)
}

func TestStartSyncRunRecordsError(t *testing.T) {
	tracer, recorder := newRecordingTracer()

	_, span := tracer.StartSyncRun(context.Background(), "block_sync", 12)
	EndSpan(span, errors.New("no common block"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "sync.run", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
}
