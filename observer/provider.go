package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	otellog "go.opentelemetry.io/otel/log"

	"github.com/nevindra/agora"
)

// ObservedProvider wraps a Provider so every chat call emits a span, request
// and duration metrics, token/cost counters, and an OTEL log record.
type ObservedProvider struct {
	inner agora.Provider
	model string
	inst  *Instruments
}

var _ agora.Provider = (*ObservedProvider)(nil)

// WrapProvider instruments p. The model name is attached to every span and
// drives cost attribution.
func WrapProvider(p agora.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: p, model: model, inst: inst}
}

// WrapResolver returns a resolver whose providers are instrumented. The
// profile's model is attributed when set, falling back to defaultModel.
func WrapResolver(inner agora.ProviderResolver, defaultModel string, inst *Instruments) agora.ProviderResolver {
	return func(profile *agora.ModelProfile) (agora.Provider, error) {
		p, err := inner(profile)
		if err != nil {
			return nil, err
		}
		model := defaultModel
		if profile != nil && profile.Model != "" {
			model = profile.Model
		}
		return WrapProvider(p, model, inst), nil
	}
}

func (p *ObservedProvider) Name() string { return p.inner.Name() }

// ChatStream preserves the inner channel contract: ch is closed exactly once
// on every return path, and a nil ch stays nil all the way down.
func (p *ObservedProvider) ChatStream(ctx context.Context, req agora.ChatRequest, ch chan<- agora.StreamDelta) (agora.ChatResponse, error) {
	ctx, span := p.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		attrModel.String(p.model),
		attrProvider.String(p.inner.Name()),
		attrToolCount.Int(len(req.Tools)),
	))
	defer span.End()

	start := time.Now()

	var chunks int64
	var resp agora.ChatResponse
	var err error
	if ch == nil {
		resp, err = p.inner.ChatStream(ctx, req, nil)
	} else {
		inner := make(chan agora.StreamDelta, max(cap(ch), 64))
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer close(ch)
			for d := range inner {
				chunks++
				select {
				case ch <- d:
				case <-ctx.Done():
					// Consumer gone; keep draining so the producer
					// can reach its own return path.
					for range inner {
					}
					return
				}
			}
		}()
		resp, err = p.inner.ChatStream(ctx, req, inner)
		<-done
	}

	elapsed := float64(time.Since(start).Milliseconds())
	mattrs := metric.WithAttributes(
		attrModel.String(p.model),
		attrProvider.String(p.inner.Name()),
	)
	p.inst.LLMRequests.Add(ctx, 1, mattrs)
	p.inst.LLMDuration.Record(ctx, elapsed, mattrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		emitLog(ctx, p.inst.Logger, otellog.SeverityError, "llm call failed",
			otellog.String("llm.model", p.model),
			otellog.String("error", err.Error()),
		)
		return resp, err
	}

	total := resp.Usage.TotalTokens
	cost := p.inst.Cost.Calculate(p.model, total)
	span.SetAttributes(
		attrTokensTotal.Int64(total),
		attrCostUSD.Float64(cost),
		attrStreamChunks.Int64(chunks),
		attrFinishReason.String(resp.FinishReason),
	)
	if total > 0 {
		p.inst.TokenUsage.Add(ctx, total, mattrs)
	}
	if cost > 0 {
		p.inst.CostTotal.Add(ctx, cost, mattrs)
	}
	emitLog(ctx, p.inst.Logger, otellog.SeverityInfo, "llm call completed",
		otellog.String("llm.model", p.model),
		otellog.Int64("llm.tokens.total", total),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Int64("llm.stream_chunks", chunks),
	)
	return resp, nil
}
