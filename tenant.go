package sequent

import "context"

// tenantKey is the context key for the tenant identifier.
type tenantKey struct{}

// WithTenant returns a context carrying the given tenant identifier.
// Handlers and middleware read it back with TenantFrom.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFrom extracts the tenant identifier from the context.
// Returns an empty string if no tenant is present.
func TenantFrom(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}
