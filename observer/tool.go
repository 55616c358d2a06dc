package observer

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	otellog "go.opentelemetry.io/otel/log"

	"github.com/nevindra/agora"
)

// ObservedTool wraps a plugin tool so each execution emits a span, counters,
// and a log record. Definitions pass through untouched.
type ObservedTool struct {
	inner agora.Tool
	inst  *Instruments
}

var _ agora.Tool = (*ObservedTool)(nil)

// WrapTool instruments t.
func WrapTool(t agora.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: t, inst: inst}
}

// WrapTools instruments every tool in ts.
func WrapTools(ts []agora.Tool, inst *Instruments) []agora.Tool {
	out := make([]agora.Tool, len(ts))
	for i, t := range ts {
		out[i] = WrapTool(t, inst)
	}
	return out
}

func (t *ObservedTool) Definitions() []agora.ToolDefinition {
	return t.inner.Definitions()
}

func (t *ObservedTool) Execute(ctx context.Context, name string, args json.RawMessage) (agora.ToolOutcome, error) {
	ctx, span := t.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attrToolName.String(name),
	))
	defer span.End()

	start := time.Now()
	out, err := t.inner.Execute(ctx, name, args)
	elapsed := float64(time.Since(start).Milliseconds())

	status := "ok"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !out.OK:
		status = "failed"
		span.SetAttributes(attrToolStatus.String(status))
	default:
		span.SetAttributes(attrToolStatus.String(status))
	}

	mattrs := metric.WithAttributes(
		attrToolName.String(name),
		attrToolStatus.String(status),
	)
	t.inst.ToolExecutions.Add(ctx, 1, mattrs)
	t.inst.ToolDuration.Record(ctx, elapsed, mattrs)

	sev := otellog.SeverityInfo
	if status != "ok" {
		sev = otellog.SeverityWarn
	}
	emitLog(ctx, t.inst.Logger, sev, "tool executed",
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Float64("tool.duration_ms", elapsed),
	)
	return out, err
}
