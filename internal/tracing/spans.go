package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const runtimeTracerName = "burrow-runtime"

func runtimeTracer() trace.Tracer {
	return Tracer(runtimeTracerName)
}

// TraceEngineExec creates a span for a container-engine exec call.
func TraceEngineExec(ctx context.Context, containerID, command string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "engine.exec",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("container_id", containerID),
		attribute.String("command", command),
	)
	return ctx, span
}

// TraceEngineResult records the outcome of an engine operation on its span.
func TraceEngineResult(span trace.Span, exitCode int, err error) {
	span.SetAttributes(attribute.Int("exit_code", exitCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceWorkspaceProvision creates a span for workspace provisioning.
func TraceWorkspaceProvision(ctx context.Context, sessionID, repoURL string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "workspace.provision",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("repo_url", repoURL),
	)
	return ctx, span
}

// TraceAgentLaunch creates a span for launching the agent process in a session.
func TraceAgentLaunch(ctx context.Context, sessionID, execID string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "agent.launch",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("exec_id", execID),
	)
	return ctx, span
}

// TraceAgentOutputLine records a parsed agent output line as a span event,
// truncating the raw JSON to keep spans small.
func TraceAgentOutputLine(span trace.Span, lineType string, raw string) {
	const maxLen = 4096
	if len(raw) > maxLen {
		raw = raw[:maxLen]
	}
	span.AddEvent("agent.output_line", trace.WithAttributes(
		attribute.String("line_type", lineType),
		attribute.String("raw", raw),
	))
}

// TraceReconcilePass creates a span for one reconciler sweep.
func TraceReconcilePass(ctx context.Context, kind string) (context.Context, trace.Span) {
	ctx, span := runtimeTracer().Start(ctx, "reconciler.pass",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("kind", kind))
	return ctx, span
}

// TraceReconcileSession records the outcome of reconciling a single session.
func TraceReconcileSession(span trace.Span, sessionID, action string, err error) {
	span.AddEvent("reconcile.session", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("action", action),
	))
	if err != nil {
		span.RecordError(err)
	}
}
