package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/porticoai/portico"
)

// ObservedProvider wraps a portico.Provider with OTEL instrumentation.
// One wrapper serves every model routed to the vendor; spans and metrics
// carry the per-request model from ChatRequest.
type ObservedProvider struct {
	inner portico.Provider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider that emits traces and
// metrics around every vendor call.
func WrapProvider(inner portico.Provider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req portico.ChatRequest) (portico.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	o.record(ctx, span, req.Model, "chat", err, time.Since(start), resp.Usage)
	return resp, err
}

func (o *ObservedProvider) ChatWithTools(ctx context.Context, req portico.ChatRequest, tools []portico.ToolDefinition) (portico.ChatResponse, error) {
	toolNames := make([]string, len(tools))
	for i, t := range tools {
		toolNames[i] = t.Name
	}
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_with_tools", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrToolCount.Int(len(tools)),
		AttrToolNames.StringSlice(toolNames),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.ChatWithTools(ctx, req, tools)

	o.record(ctx, span, req.Model, "chat_with_tools", err, time.Since(start), resp.Usage)
	return resp, err
}

func (o *ObservedProvider) ChatStream(ctx context.Context, req portico.ChatRequest, ch chan<- portico.StreamEvent) (portico.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Interpose a channel to count events. The caller still owns ch and
	// closes it; we own wrapped and close it once the inner call returns.
	// Buffer generously so the inner provider never blocks on send while
	// the forwarder is blocked on a full ch.
	wrapped := make(chan portico.StreamEvent, max(cap(ch), 64))
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range wrapped {
			chunks++
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := o.inner.ChatStream(ctx, req, wrapped)
	close(wrapped)
	<-done

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, req.Model, "chat_stream", err, time.Since(start), resp.Usage)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, model, method string, err error, elapsed time.Duration, usage portico.Usage) {
	durationMs := float64(elapsed.Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	vendorAttrs := []attribute.KeyValue{
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	}

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		append(vendorAttrs, attribute.String("direction", "input"))...))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		append(vendorAttrs, attribute.String("direction", "output"))...))
	o.inst.CostTotal.Add(ctx, cost, metric.WithAttributes(
		append(vendorAttrs, AttrLLMMethod.String(method))...))
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		append(vendorAttrs,
			AttrLLMMethod.String(method),
			attribute.String("status", status))...))
	o.inst.LLMDuration.Record(ctx, durationMs, metric.WithAttributes(
		append(vendorAttrs, AttrLLMMethod.String(method))...))
}

var _ portico.Provider = (*ObservedProvider)(nil)
