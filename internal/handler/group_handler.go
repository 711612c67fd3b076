package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/errwatch/errwatch-backend/internal/common"
	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/internal/middleware"
	"github.com/errwatch/errwatch-backend/internal/service"
)

// GroupHandler handles error group triage requests
type GroupHandler struct {
	service *service.GroupService
}

// NewGroupHandler creates a new GroupHandler
func NewGroupHandler(service *service.GroupService) *GroupHandler {
	return &GroupHandler{service: service}
}

// ListGroups handles GET /api/v1/groups
func (h *GroupHandler) ListGroups(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)
	if tenantID == "" {
		common.ErrorResponse(c, http.StatusForbidden, "Token is not tenant-scoped", nil)
		return
	}

	filter := domain.GroupFilter{
		Status: c.Query("status"),
		Type:   c.Query("type"),
	}
	if since := c.Query("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			common.ErrorResponse(c, http.StatusBadRequest, "Invalid since timestamp", err)
			return
		}
		filter.Since = &ts
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	items, total, err := h.service.List(c.Request.Context(), tenantID, filter, page, limit)
	if err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "Failed to list groups", err)
		return
	}

	common.SuccessResponse(c, items, &common.Meta{Page: page, Limit: limit, Total: total})
}

// GetGroup handles GET /api/v1/groups/:id
func (h *GroupHandler) GetGroup(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)
	detail, err := h.service.Get(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		writeGroupError(c, err)
		return
	}
	common.SuccessResponse(c, detail, nil)
}

// ResolveGroup handles POST /api/v1/groups/:id/resolve
func (h *GroupHandler) ResolveGroup(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)
	if err := h.service.Resolve(c.Request.Context(), tenantID, c.Param("id")); err != nil {
		writeGroupError(c, err)
		return
	}
	common.SuccessResponse(c, gin.H{"status": domain.GroupStatusResolved}, nil)
}

// AcknowledgeGroup handles POST /api/v1/groups/:id/acknowledge
func (h *GroupHandler) AcknowledgeGroup(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)
	if err := h.service.Acknowledge(c.Request.Context(), tenantID, c.Param("id")); err != nil {
		writeGroupError(c, err)
		return
	}
	common.SuccessResponse(c, gin.H{"status": domain.GroupStatusOngoing}, nil)
}

// assignRequest is the body for POST /api/v1/groups/:id/assign
type assignRequest struct {
	AssigneeID string `json:"assignee_id" binding:"required"`
}

// AssignGroup handles POST /api/v1/groups/:id/assign
func (h *GroupHandler) AssignGroup(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tenantID := middleware.GetTenantID(c)
	if err := h.service.Assign(c.Request.Context(), tenantID, c.Param("id"), req.AssigneeID); err != nil {
		writeGroupError(c, err)
		return
	}
	common.SuccessResponse(c, gin.H{"assignee_id": req.AssigneeID}, nil)
}

func writeGroupError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrGroupNotFound):
		common.ErrorResponse(c, http.StatusNotFound, "Group not found", nil)
	case errors.Is(err, common.ErrValidation):
		common.ErrorResponse(c, http.StatusBadRequest, err.Error(), nil)
	default:
		common.ErrorResponse(c, http.StatusInternalServerError, "Group operation failed", err)
	}
}
