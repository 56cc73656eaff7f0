package logging

import (
	"context"

	"go.uber.org/zap"
)

type (
	requestIDKey struct{}
	tenantKey    struct{}
)

// WithRequestID attaches a request correlation ID to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID set by WithRequestID, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// TenantFields describes the scope a log entry was emitted under, for
// cross-referencing against C7's collection naming.
type TenantFields struct {
	Workspace string
	Project   string
}

// WithTenant attaches scope identifiers to ctx for correlation in logs.
func WithTenant(ctx context.Context, t TenantFields) context.Context {
	return context.WithValue(ctx, tenantKey{}, t)
}

func tenantFromContext(ctx context.Context) (TenantFields, bool) {
	t, ok := ctx.Value(tenantKey{}).(TenantFields)
	return t, ok
}

// ContextFields extracts correlation fields carried on ctx for attachment to
// a log entry.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if t, ok := tenantFromContext(ctx); ok {
		if t.Workspace != "" {
			fields = append(fields, zap.String("workspace_id", t.Workspace))
		}
		if t.Project != "" {
			fields = append(fields, zap.String("project_id", t.Project))
		}
	}
	return fields
}
