package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errwatch/errwatch-backend/pkg/jwt"
)

func authRouter(manager *jwt.Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", JWTAuth(manager), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":   GetUserID(c),
			"tenant_id": GetTenantID(c),
			"role":      GetUserRole(c),
		})
	})
	router.GET("/admin", JWTAuth(manager), RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuthPopulatesContext(t *testing.T) {
	manager := jwt.NewManager("test-secret", time.Hour)
	router := authRouter(manager)

	token, err := manager.Generate("u1", "t1", "viewer")
	require.NoError(t, err)

	rec := get(router, "/me", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tenant_id":"t1"`)
	assert.Contains(t, rec.Body.String(), `"user_id":"u1"`)
}

func TestJWTAuthRejectsBadTokens(t *testing.T) {
	manager := jwt.NewManager("test-secret", time.Hour)
	router := authRouter(manager)

	rec := get(router, "/me", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(router, "/me", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other := jwt.NewManager("different-secret", time.Hour)
	token, err := other.Generate("u1", "t1", "viewer")
	require.NoError(t, err)
	rec = get(router, "/me", token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuthRejectsExpiredToken(t *testing.T) {
	manager := jwt.NewManager("test-secret", -time.Minute)
	router := authRouter(manager)

	token, err := manager.Generate("u1", "t1", "viewer")
	require.NoError(t, err)

	rec := get(router, "/me", token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Token expired")
}

func TestRequireAdminBlocksViewers(t *testing.T) {
	manager := jwt.NewManager("test-secret", time.Hour)
	router := authRouter(manager)

	viewer, err := manager.Generate("u1", "t1", "viewer")
	require.NoError(t, err)
	rec := get(router, "/admin", viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin, err := manager.Generate("u2", "t1", "admin")
	require.NoError(t, err)
	rec = get(router, "/admin", admin)
	assert.Equal(t, http.StatusOK, rec.Code)
}
