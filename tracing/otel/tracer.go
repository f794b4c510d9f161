package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer opens spans for the node's two traced operations: applying one
// block and running one sync mechanism.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracerWithProvider creates a tracer backed by the given provider.
func NewTracerWithProvider(provider trace.TracerProvider) *Tracer {
	return &Tracer{tracer: provider.Tracer(ServiceName)}
}

// NewNopTracer creates a tracer whose spans record nothing.
func NewNopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer(ServiceName)}
}

// StartBlockApply opens a span around one block validate-and-apply.
func (t *Tracer) StartBlockApply(ctx context.Context, height uint64, txCount int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "block.apply",
		trace.WithAttributes(
			attribute.Int64("block.height", int64(height)),
			attribute.Int("block.tx_count", txCount),
		),
	)
}

// StartSyncRun opens a span around one sync mechanism run.
func (t *Tracer) StartSyncRun(ctx context.Context, mechanism string, fromHeight uint64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "sync.run",
		trace.WithAttributes(
			attribute.String("sync.mechanism", mechanism),
			attribute.Int64("sync.from_height", int64(fromHeight)),
		),
	)
}

// EndSpan closes a span, recording err as its status when non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
