package middleware

import (
	"context"
	"net/http"
	"strings"
)

const TenantKey key = 1

// TenantHeader carries the opaque tenant key set by the identity layer in
// front of this service.
const TenantHeader = "X-Tenant-ID"

// Tenant rejects requests without a tenant and stores it on the context.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenant == "" {
			WriteError(r.Context(), w, "MISSING_TENANT", TenantHeader+" header is required", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
	})
}

func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, TenantKey, tenant)
}

func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(TenantKey).(string)
	return tenant, ok && tenant != ""
}
