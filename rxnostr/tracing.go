package rxnostr

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/girino/rxnostr"

// tracer wraps the OpenTelemetry spans the engine emits. It is a no-op until
// the host installs a tracer provider.
type tracer struct {
	tracer trace.Tracer
}

func newTracer() *tracer {
	return &tracer{tracer: otel.Tracer(tracerName)}
}

// startSend starts the span covering one Send, from signing to the last ack.
func (t *tracer) startSend(ctx context.Context, kind int, targets int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "rxnostr.send",
		trace.WithAttributes(
			attribute.Int("nostr.event.kind", kind),
			attribute.Int("rxnostr.targets", targets),
		),
	)
}

// endSend records the outcome and ends the span.
func (t *tracer) endSend(span trace.Span, eventID string, acks int, timedOut bool, err error) {
	if eventID != "" {
		span.SetAttributes(attribute.String("nostr.event.id", eventID))
	}
	span.SetAttributes(
		attribute.Int("rxnostr.acks", acks),
		attribute.Bool("rxnostr.timed_out", timedOut),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
