package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type traceTurnAttrsContextKey struct{}

const (
	// trace attribute key constants
	TurnID    = "turn_id"
	SessionID = "conversation_session_id"
	InputType = "input_type"

	MCPSessionID = "mcp_session_id"
	MCPServerURL = "mcp_server_url"
	ToolName     = "tool_name"
	ToolInput    = "tool_input"

	ModelName    = "model"
	SearchSource = "search_source"
	StoreKind    = "store_kind"
)

// EndSpanErr ends given span and sets Error status if error is not nil
// uses pointer to error because defer evaluates function arguments
// when defer statement is executed not when deferred function is called
//
// example usage:
//
//	func Example() (result any, outErr error) {
//	    _, span := tracer.Start(...)
//	    defer tracing.EndSpanErr(span, &outErr)
//
// }
func EndSpanErr(span trace.Span, err *error) {
	if span == nil {
		return
	}

	if err != nil && *err != nil {
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}

// WithTurnAttributesInContext stashes per-turn attributes so nested spans
// (tool invocations, model calls) can carry the same correlation keys.
func WithTurnAttributesInContext(ctx context.Context, traceAttrs []attribute.KeyValue) context.Context {
	return context.WithValue(ctx, traceTurnAttrsContextKey{}, traceAttrs)
}

func TurnAttributesFromContext(ctx context.Context) []attribute.KeyValue {
	attrs, ok := ctx.Value(traceTurnAttrsContextKey{}).([]attribute.KeyValue)
	if !ok {
		return nil
	}

	return attrs
}
