package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type errorCtxKey struct{}
type requestCtxKey struct{}

// ErrorRef identifies the error report a unit of work is about.
type ErrorRef struct {
	ID      string
	Hash    string
	Service string
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if ref, ok := ctx.Value(errorCtxKey{}).(ErrorRef); ok {
		if ref.ID != "" {
			fields = append(fields, zap.String("error.id", ref.ID))
		}
		if ref.Hash != "" {
			fields = append(fields, zap.String("error.hash", ref.Hash))
		}
		if ref.Service != "" {
			fields = append(fields, zap.String("error.service", ref.Service))
		}
	}

	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}

	return fields
}

// WithErrorRef attaches the error being processed to ctx.
func WithErrorRef(ctx context.Context, ref ErrorRef) context.Context {
	return context.WithValue(ctx, errorCtxKey{}, ref)
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}
