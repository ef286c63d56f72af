package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/tradeloop-engine/internal/tenant"
)

// Bearer Token Authentication
//
// Two independent credentials guard the API. Tenant routes resolve
// "Authorization: Bearer <tenantId>.<secret>" through the registry, which
// verifies the salted hash in constant time. Admin routes compare against
// the operator-configured admin key; a valid tenant key on an admin route
// is a 403, not a 401, so callers can tell the two failures apart.

const tenantCtxKey = "tenant"

func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

// TenantAuth resolves the caller's API key to its tenant and stores it in
// the request context.
func TenantAuth(registry *tenant.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			respondError(c, http.StatusUnauthorized, codeUnauthorized,
				"missing or malformed Authorization header", "expected: Authorization: Bearer <apiKey>")
			return
		}
		t, err := registry.Authenticate(token)
		if err != nil {
			respondError(c, http.StatusUnauthorized, codeUnauthorized, "invalid api key", "")
			return
		}
		c.Set(tenantCtxKey, t)
		c.Next()
	}
}

// AdminAuth guards the tenant-management surface with the admin key.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			respondError(c, http.StatusUnauthorized, codeUnauthorized,
				"missing or malformed Authorization header", "expected: Authorization: Bearer <adminKey>")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(adminKey)) != 1 {
			respondError(c, http.StatusForbidden, codeForbidden, "admin credentials required", "")
			return
		}
		c.Next()
	}
}

// currentTenant fetches the tenant installed by TenantAuth.
func currentTenant(c *gin.Context) *tenant.Tenant {
	return c.MustGet(tenantCtxKey).(*tenant.Tenant)
}
