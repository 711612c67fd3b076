package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/errwatch/errwatch-backend/internal/handler"
	"github.com/errwatch/errwatch-backend/internal/middleware"
	"github.com/errwatch/errwatch-backend/pkg/jwt"
)

// Setup configures all API routes
func Setup(
	router *gin.Engine,
	ingestHandler *handler.IngestHandler,
	groupHandler *handler.GroupHandler,
	ruleHandler *handler.RuleHandler,
	opsHandler *handler.OpsHandler,
	tenants middleware.TenantResolver,
	jwtManager *jwt.Manager,
) {
	api := router.Group("/api/v1")

	// Ingestion endpoints (API-key auth)
	ingest := api.Group("/errors", middleware.APIKeyAuth(tenants))
	ingest.POST("", ingestHandler.SubmitError)
	ingest.POST("/batch", ingestHandler.SubmitBatch)

	// Triage and configuration (JWT bearer auth)
	groups := api.Group("/groups", middleware.JWTAuth(jwtManager))
	groups.GET("", groupHandler.ListGroups)
	groups.GET("/:id", groupHandler.GetGroup)
	groups.POST("/:id/resolve", groupHandler.ResolveGroup)
	groups.POST("/:id/acknowledge", groupHandler.AcknowledgeGroup)
	groups.POST("/:id/assign", groupHandler.AssignGroup)

	rules := api.Group("/rules", middleware.JWTAuth(jwtManager))
	rules.GET("", ruleHandler.ListRules)
	rules.GET("/:id", ruleHandler.GetRule)
	rules.POST("", ruleHandler.CreateRule)
	rules.PUT("/:id", ruleHandler.UpdateRule)
	rules.DELETE("/:id", ruleHandler.DeleteRule)

	alerts := api.Group("/alerts", middleware.JWTAuth(jwtManager))
	alerts.POST("/:rule_id/:group_id/ack", ruleHandler.AcknowledgeAlert)

	// Operator endpoints (admin tokens only)
	ops := api.Group("/ops", middleware.JWTAuth(jwtManager), middleware.RequireAdmin())
	ops.GET("/dead-letters", opsHandler.ListDeadLetters)
	ops.POST("/dead-letters/:id/retry", opsHandler.RetryDeadLetter)
}
