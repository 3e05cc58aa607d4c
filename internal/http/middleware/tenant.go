package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/deskrelay/backend/internal/tenant"
)

const scopeKey = "tenant_scope"

type ScopeResolver interface {
	Resolve(ctx context.Context, o tenant.Origin) (tenant.Scope, error)
}

// Tenant resolves the request's tenant scope from the bearer credential and
// the Host header. Tenant ids supplied by the client are never read.
func Tenant(resolver ScopeResolver, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, err := resolver.Resolve(c.Request.Context(), tenant.Origin{
			Host:        c.Request.Host,
			BearerToken: bearerToken(c),
		})
		if err != nil {
			status, code, message := tenantError(err)
			if status == http.StatusInternalServerError {
				logger.Error().Err(err).Str("host", c.Request.Host).Msg("tenant resolution failed")
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error": gin.H{
					"code":    code,
					"message": message,
				},
			})
			return
		}
		c.Set(scopeKey, scope)
		c.Next()
	}
}

func ScopeFrom(c *gin.Context) (tenant.Scope, bool) {
	v, ok := c.Get(scopeKey)
	if !ok {
		return tenant.Scope{}, false
	}
	scope, ok := v.(tenant.Scope)
	return scope, ok
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a WebSocket handshake, so access_token in the query is accepted as well.
func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return c.Query("access_token")
}

func tenantError(err error) (int, string, string) {
	switch {
	case errors.Is(err, tenant.ErrMissingCredential):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Credential required"
	case errors.Is(err, tenant.ErrUnknownTenant):
		return http.StatusForbidden, "UNKNOWN_TENANT", "Unknown tenant"
	case errors.Is(err, tenant.ErrTenantMismatch):
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	default:
		return http.StatusInternalServerError, "TENANT_LOOKUP_FAILED", "Tenant lookup failed"
	}
}
