package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/errwatch/errwatch-backend/internal/common"
	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/internal/middleware"
	"github.com/errwatch/errwatch-backend/internal/service"
)

// RuleHandler handles alert rule configuration requests
type RuleHandler struct {
	rules  *service.RuleService
	alerts *service.AlertService
}

// NewRuleHandler creates a new RuleHandler
func NewRuleHandler(rules *service.RuleService, alerts *service.AlertService) *RuleHandler {
	return &RuleHandler{rules: rules, alerts: alerts}
}

// ListRules handles GET /api/v1/rules
func (h *RuleHandler) ListRules(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)
	rules, err := h.rules.List(c.Request.Context(), tenantID)
	if err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}
	common.SuccessResponse(c, rules, nil)
}

// GetRule handles GET /api/v1/rules/:id
func (h *RuleHandler) GetRule(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)
	rule, err := h.rules.Get(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		writeRuleError(c, err)
		return
	}
	common.SuccessResponse(c, rule, nil)
}

// CreateRule handles POST /api/v1/rules
func (h *RuleHandler) CreateRule(c *gin.Context) {
	var req domain.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tenantID := middleware.GetTenantID(c)
	rule, err := h.rules.Create(c.Request.Context(), tenantID, &req)
	if err != nil {
		writeRuleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, common.APIResponse{Data: rule})
}

// UpdateRule handles PUT /api/v1/rules/:id
func (h *RuleHandler) UpdateRule(c *gin.Context) {
	var req domain.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tenantID := middleware.GetTenantID(c)
	rule, err := h.rules.Update(c.Request.Context(), tenantID, c.Param("id"), &req)
	if err != nil {
		writeRuleError(c, err)
		return
	}
	common.SuccessResponse(c, rule, nil)
}

// DeleteRule handles DELETE /api/v1/rules/:id
func (h *RuleHandler) DeleteRule(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)
	if err := h.rules.Delete(c.Request.Context(), tenantID, c.Param("id")); err != nil {
		writeRuleError(c, err)
		return
	}
	common.SuccessResponse(c, gin.H{"deleted": true}, nil)
}

// AcknowledgeAlert handles POST /api/v1/alerts/:rule_id/:group_id/ack
func (h *RuleHandler) AcknowledgeAlert(c *gin.Context) {
	ruleID := c.Param("rule_id")
	groupID := c.Param("group_id")

	// The rule must belong to the caller's tenant
	if _, err := h.rules.Get(c.Request.Context(), middleware.GetTenantID(c), ruleID); err != nil {
		writeRuleError(c, err)
		return
	}

	if err := h.alerts.Acknowledge(c.Request.Context(), ruleID, groupID); err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "Failed to acknowledge alert", err)
		return
	}
	common.SuccessResponse(c, gin.H{"acknowledged": true}, nil)
}

func writeRuleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrRuleNotFound):
		common.ErrorResponse(c, http.StatusNotFound, "Rule not found", nil)
	case errors.Is(err, common.ErrValidation):
		common.ErrorResponse(c, http.StatusBadRequest, err.Error(), nil)
	default:
		common.ErrorResponse(c, http.StatusInternalServerError, "Rule operation failed", err)
	}
}
