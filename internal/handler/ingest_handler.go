package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/errwatch/errwatch-backend/internal/common"
	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/internal/middleware"
	"github.com/errwatch/errwatch-backend/internal/service"
)

// IngestHandler handles error report submission
type IngestHandler struct {
	service *service.IngestService
}

// NewIngestHandler creates a new IngestHandler
func NewIngestHandler(service *service.IngestService) *IngestHandler {
	return &IngestHandler{service: service}
}

// batchRequest is the body for POST /api/v1/errors/batch
type batchRequest struct {
	Errors []domain.ReportRequest `json:"errors" binding:"required"`
}

// SubmitError handles POST /api/v1/errors
func (h *IngestHandler) SubmitError(c *gin.Context) {
	tenant := middleware.GetTenant(c)
	if tenant == nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "API key required", nil)
		return
	}

	var req domain.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	receipt, err := h.service.IngestOne(c.Request.Context(), tenant, &req)
	if err != nil {
		writeIngestError(c, err)
		return
	}

	common.AcceptedResponse(c, receipt)
}

// SubmitBatch handles POST /api/v1/errors/batch
func (h *IngestHandler) SubmitBatch(c *gin.Context) {
	tenant := middleware.GetTenant(c)
	if tenant == nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "API key required", nil)
		return
	}

	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	results, err := h.service.IngestBatch(c.Request.Context(), tenant, req.Errors)
	if err != nil {
		writeIngestError(c, err)
		return
	}

	common.AcceptedResponse(c, gin.H{"results": results})
}

// writeIngestError maps pipeline errors onto the response taxonomy
func writeIngestError(c *gin.Context, err error) {
	var rle *service.RateLimitError
	if errors.As(err, &rle) {
		c.Header("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())))
		common.ErrorResponse(c, http.StatusTooManyRequests, "Rate limit exceeded", err)
		return
	}

	switch {
	case errors.Is(err, common.ErrValidation):
		common.ErrorResponse(c, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, common.ErrQueueUnavailable):
		common.ErrorResponse(c, http.StatusServiceUnavailable, "Event queue unavailable", nil)
	default:
		common.ErrorResponse(c, http.StatusInternalServerError, "Failed to accept report", err)
	}
}
