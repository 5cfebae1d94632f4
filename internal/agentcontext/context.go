// Package agentcontext propagates the caller-supplied session and trace
// identifiers through the execution core so tool execution rows can join
// upward to their originating request without threading the ids through
// every call signature. Task and user identity travel on the task record
// itself and are not duplicated here.
package agentcontext

import "context"

type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	traceIDKey   contextKey = "trace_id"
)

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

func SessionIDFromContext(ctx context.Context) string {
	return stringValue(ctx, sessionIDKey)
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	return stringValue(ctx, traceIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(key).(string); ok {
		return val
	}
	return ""
}
