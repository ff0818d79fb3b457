package middleware

import (
	"context"
	"net/http"
	"strings"

	pkgmw "github.com/convoyhq/convoy-engine/pkg/middleware"
)

// TenantIDKey is the context key for the tenant id.
const TenantIDKey = "tenant_id"

// TenantExtractor reads the tenant id a request is scoped to, preferring an
// explicit X-Tenant-Id header, then the tenantId query parameter. It does
// not authenticate the caller — the filter chain that verifies a caller is
// entitled to act as that tenant runs in front of this service.
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-Id"))
		if tenantID == "" {
			tenantID = strings.TrimSpace(r.URL.Query().Get("tenantId"))
		}
		ctx := pkgmw.SetTenantID(r.Context(), tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantID retrieves the tenant id from the request context.
func GetTenantID(ctx context.Context) string {
	return pkgmw.GetTenantID(ctx)
}
