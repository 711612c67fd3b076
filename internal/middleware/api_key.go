package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/errwatch/errwatch-backend/internal/common"
	"github.com/errwatch/errwatch-backend/internal/domain"
)

const tenantContextKey = "tenant"

// TenantResolver resolves an API key to its tenant (implemented by TenantRepository)
type TenantResolver interface {
	FindByAPIKey(ctx context.Context, key string) (*domain.Tenant, error)
}

// APIKeyAuth authenticates ingestion requests using an API key.
// Checks X-API-Key header or api_key query parameter.
func APIKeyAuth(resolver TenantResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = c.Query("api_key")
		}
		if key == "" {
			common.ErrorResponse(c, http.StatusUnauthorized, "API key required", nil)
			c.Abort()
			return
		}

		tenant, err := resolver.FindByAPIKey(c.Request.Context(), key)
		if err != nil {
			common.ErrorResponse(c, http.StatusUnauthorized, "Invalid API key", nil)
			c.Abort()
			return
		}

		c.Set(tenantContextKey, tenant)
		c.Next()
	}
}

// GetTenant extracts the authenticated tenant from context
func GetTenant(c *gin.Context) *domain.Tenant {
	value, exists := c.Get(tenantContextKey)
	if !exists {
		return nil
	}
	if tenant, ok := value.(*domain.Tenant); ok {
		return tenant
	}
	return nil
}
