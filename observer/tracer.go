package observer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/agora"
)

// otelTracer adapts the OTEL SDK onto agora.Tracer. With instruments
// attached it also bridges the runtime's well-known spans into counters, so
// drain and task activity stays visible without a trace backend.
type otelTracer struct {
	tracer trace.Tracer
	inst   *Instruments
}

// NewTracer returns an agora.Tracer backed by the global OTEL provider. A
// nil inst produces spans only, with no counter bridging.
func NewTracer(inst *Instruments) agora.Tracer {
	tr := otel.Tracer(scopeName)
	if inst != nil {
		tr = inst.Tracer
	}
	return &otelTracer{tracer: tr, inst: inst}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...agora.SpanAttr) (context.Context, agora.Span) {
	ctx, sp := t.tracer.Start(ctx, name, trace.WithAttributes(toOTELAttrs(attrs)...))
	t.count(ctx, name, attrs)
	return ctx, &otelSpan{span: sp}
}

func (t *otelTracer) count(ctx context.Context, name string, attrs []agora.SpanAttr) {
	if t.inst == nil {
		return
	}
	switch name {
	case "agent.drain":
		t.inst.RunnerDrains.Add(ctx, 1)
	case "task.start":
		t.inst.TaskStarts.Add(ctx, 1)
	case "task.stop":
		reason := ""
		for _, a := range attrs {
			if a.Key == "reason" {
				if s, ok := a.Value.(string); ok {
					reason = s
				}
			}
		}
		t.inst.TaskStops.Add(ctx, 1, metric.WithAttributes(attrStopReason.String(reason)))
	}
}

type otelSpan struct {
	span trace.Span
}

var _ agora.Span = (*otelSpan)(nil)

func (s *otelSpan) SetAttr(attrs ...agora.SpanAttr) {
	s.span.SetAttributes(toOTELAttrs(attrs)...)
}

func (s *otelSpan) Event(name string, attrs ...agora.SpanAttr) {
	s.span.AddEvent(name, trace.WithAttributes(toOTELAttrs(attrs)...))
}

func (s *otelSpan) Error(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.span.End()
}
