package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/carpool/internal/storeerr"
	"github.com/mbd888/carpool/internal/validation"
	"github.com/mbd888/carpool/internal/wallet"
)

// Handler provides HTTP endpoints for escrow inspection and corrections.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", validation.ResourceIDParamMiddleware(), h.GetEscrow)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/entries/:detailId/compensate", validation.ResourceIDParamMiddleware(), h.CompensateEntry)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	view, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CompensateRequest explains an operator correction.
type CompensateRequest struct {
	Note string `json:"note"`
}

// CompensateEntry handles POST /v1/admin/escrows/:id/entries/:detailId/compensate
func (h *Handler) CompensateEntry(c *gin.Context) {
	var req CompensateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	detailID := c.Param("detailId")
	if errs := validation.Validate(
		validation.ValidResourceID("detailId", detailID),
		validation.Required("note", req.Note),
		validation.MaxLength("note", req.Note, 500),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.Compensate(c.Request.Context(), c.Param("id"), detailID, validation.SanitizeString(req.Note, 500))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"detail": d})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, ErrDetailNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrEscrowClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "escrow_closed", "message": err.Error()})
	case errors.Is(err, ErrInvalidEntry):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entry", "message": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": err.Error()})
	case wallet.IsTransient(err):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "wallet_gateway_timeout", "message": "Wallet service did not respond"})
	case errors.Is(err, storeerr.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable", "message": "Storage temporarily unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Escrow operation failed"})
	}
}
