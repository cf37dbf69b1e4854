package observer

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/porticoai/portico"
)

// ObservedTool wraps a portico.Tool with OTEL instrumentation. Wrap tools
// before registering them so every dispatched call is traced.
type ObservedTool struct {
	inner portico.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner portico.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Namespace() string { return o.inner.Namespace() }

func (o *ObservedTool) Definitions() []portico.ToolDefinition {
	return o.inner.Definitions()
}

func (o *ObservedTool) Execute(ctx context.Context, name string, args json.RawMessage) (portico.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolNamespace.String(o.inner.Namespace()),
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolNamespace.String(o.inner.Namespace()),
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolNamespace.String(o.inner.Namespace()),
		AttrToolName.String(name),
	))

	return result, err
}

var _ portico.Tool = (*ObservedTool)(nil)
