// Package telemetry отвечает за трассировку (OpenTelemetry) и метрики (Prometheus)
// конвейера и HTTP-поверхности.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "meridian/pipeline"

// Tracer открывает спаны вызова конвейера и его стадий.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer; nil, глобальный провайдер.
func NewTracer(t trace.Tracer) *Tracer {
	if t == nil {
		t = otel.GetTracerProvider().Tracer(instrumentation)
	}
	return &Tracer{tracer: t}
}

func (t *Tracer) StartPipeline(ctx context.Context, entityType, action, tenant string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pipeline.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("meridian.entity", entityType),
			attribute.String("meridian.action", action),
			attribute.String("meridian.tenant", tenant),
		),
	)
}

func (t *Tracer) StartStage(ctx context.Context, stage, trigger string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pipeline.stage."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("meridian.stage", stage),
			attribute.String("meridian.trigger", trigger),
		),
	)
}

// End закрывает спан со статусом по err.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
