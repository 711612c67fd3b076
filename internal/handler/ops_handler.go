package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/errwatch/errwatch-backend/internal/common"
	"github.com/errwatch/errwatch-backend/internal/service"
)

// OpsHandler handles operational inspection requests
type OpsHandler struct {
	service *service.OpsService
}

// NewOpsHandler creates a new OpsHandler
func NewOpsHandler(service *service.OpsService) *OpsHandler {
	return &OpsHandler{service: service}
}

// ListDeadLetters handles GET /api/v1/ops/dead-letters
func (h *OpsHandler) ListDeadLetters(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	letters, total, err := h.service.ListDeadLetters(c.Request.Context(), c.Query("tenant_id"), page, limit)
	if err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "Failed to list dead letters", err)
		return
	}
	common.SuccessResponse(c, letters, &common.Meta{Page: page, Limit: limit, Total: total})
}

// RetryDeadLetter handles POST /api/v1/ops/dead-letters/:id/retry
func (h *OpsHandler) RetryDeadLetter(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "Invalid dead letter id", err)
		return
	}

	if err := h.service.RetryDeadLetter(c.Request.Context(), id); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			common.ErrorResponse(c, http.StatusNotFound, "Dead letter not found", nil)
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "Failed to retry dead letter", err)
		return
	}
	common.SuccessResponse(c, gin.H{"retried": true}, nil)
}
