package management

import (
	"context"
	"net/http"
)

type contextKey int

const tenantKey contextKey = iota

// withTenant 租户中间件：从 Authorization 头解析租户并注入上下文。
// 未携带凭证的请求归入默认租户，非法凭证直接 401。
func (m *ManagementAPI) withTenant(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := m.Tokens.TenantFromToken(r.Header.Get("Authorization"))
		if err != nil {
			renderError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

func tenantFromContext(r *http.Request) string {
	if tenant, ok := r.Context().Value(tenantKey).(string); ok {
		return tenant
	}
	return ""
}
