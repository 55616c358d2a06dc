package observer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	otellog "go.opentelemetry.io/otel/log"

	"github.com/nevindra/agora"
)

// Attribute keys shared across spans, metrics, and logs.
const (
	attrModel        = attribute.Key("llm.model")
	attrProvider     = attribute.Key("llm.provider")
	attrTokensTotal  = attribute.Key("llm.tokens.total")
	attrCostUSD      = attribute.Key("llm.cost_usd")
	attrToolCount    = attribute.Key("llm.tool_count")
	attrStreamChunks = attribute.Key("llm.stream_chunks")
	attrFinishReason = attribute.Key("llm.finish_reason")
	attrToolName     = attribute.Key("tool.name")
	attrToolStatus   = attribute.Key("tool.status")
	attrStopReason   = attribute.Key("task.stop_reason")
)

// toOTELAttr converts a runtime span attribute to an OTEL one.
func toOTELAttr(a agora.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

func toOTELAttrs(attrs []agora.SpanAttr) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		out[i] = toOTELAttr(a)
	}
	return out
}

// emitLog sends one record through the OTEL log pipeline.
func emitLog(ctx context.Context, logger otellog.Logger, sev otellog.Severity, body string, attrs ...otellog.KeyValue) {
	var rec otellog.Record
	rec.SetTimestamp(time.Now())
	rec.SetSeverity(sev)
	rec.SetBody(otellog.StringValue(body))
	rec.AddAttributes(attrs...)
	logger.Emit(ctx, rec)
}
