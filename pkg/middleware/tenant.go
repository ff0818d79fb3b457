// Package middleware provides request-context helpers shared across the
// HTTP layer: the tenant id a request is scoped to.
package middleware

import "context"

type contextKey string

const tenantKey contextKey = "tenant_id"

// GetTenantID extracts the tenant id from the context. Returns "" if unset.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey).(string); ok {
		return v
	}
	return ""
}

// SetTenantID stores the tenant id in the context.
func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}
