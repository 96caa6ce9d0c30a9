package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/carpool/internal/escrow"
	"github.com/mbd888/carpool/internal/fare"
	"github.com/mbd888/carpool/internal/idempotency"
	"github.com/mbd888/carpool/internal/logging"
	"github.com/mbd888/carpool/internal/pairing"
	"github.com/mbd888/carpool/internal/reservation"
	"github.com/mbd888/carpool/internal/validation"
	"github.com/mbd888/carpool/internal/wallet"
)

// IdempotencyHeader carries the client's request key on every POST.
const IdempotencyHeader = "Idempotency-Key"

// Handler provides HTTP endpoints for pairings and their settlement.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up pairing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/pairings", h.requireIdempotencyKey, h.MatchPairing)
	r.GET("/pairings/:id", validation.ResourceIDParamMiddleware(), h.GetPairing)

	p := r.Group("/pairings/:id", validation.ResourceIDParamMiddleware(), h.requireIdempotencyKey)
	p.POST("/start", h.transition(pairing.EventStart))
	p.POST("/complete", h.transition(pairing.EventComplete))
	p.POST("/reject", h.transition(pairing.EventReject))
	p.POST("/cancel", h.CancelPairing)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/pairings/frozen", h.ListFrozen)
	r.POST("/pairings/:id/unfreeze", validation.ResourceIDParamMiddleware(), h.UnfreezePairing)
}

func (h *Handler) requireIdempotencyKey(c *gin.Context) {
	key := c.GetHeader(IdempotencyHeader)
	if key == "" || !validation.IsValidIdempotencyKey(key) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "idempotency_key_required",
			"message": "A valid Idempotency-Key header is required",
		})
		return
	}
	c.Next()
}

// MatchPairing handles POST /v1/pairings
func (h *Handler) MatchPairing(c *gin.Context) {
	var req MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	checks := []func() *validation.ValidationError{
		validation.ValidResourceID("driverReservationId", req.DriverReservationID),
		validation.ValidResourceID("riderReservationId", req.RiderReservationID),
		validation.NonNegative("distanceMeters", req.DistanceMeters),
		validation.NonNegative("unitPrice", int64(req.UnitPrice)),
	}
	for i, s := range req.Subsidies {
		field := "subsidies[" + strconv.Itoa(i) + "]"
		checks = append(checks,
			validation.ValidProgramTag(field+".program", s.Program),
			validation.Required(field+".amount", s.Amount),
			validation.ValidAmount(field+".amount", s.Amount),
		)
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req.IdempotencyKey = c.GetHeader(IdempotencyHeader)
	res, err := h.service.Match(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "", err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// GetPairing handles GET /v1/pairings/:id
func (h *Handler) GetPairing(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairing": p})
}

func (h *Handler) transition(ev pairing.Event) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		res, err := h.service.transition(c.Request.Context(), id, ev, c.GetHeader(IdempotencyHeader))
		if err != nil {
			h.writeError(c, id, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// CancelRequest names who is cancelling.
type CancelRequest struct {
	By fare.Role `json:"by" binding:"required"`
}

// CancelPairing handles POST /v1/pairings/:id/cancel
func (h *Handler) CancelPairing(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.By != fare.RoleRider && req.By != fare.RoleDriver) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": `body must be {"by":"rider"} or {"by":"driver"}`,
		})
		return
	}

	id := c.Param("id")
	res, err := h.service.Cancel(c.Request.Context(), id, req.By, c.GetHeader(IdempotencyHeader))
	if err != nil {
		h.writeError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListFrozen handles GET /v1/admin/pairings/frozen
func (h *Handler) ListFrozen(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	list, err := h.service.ListFrozen(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pairings": list,
		"count":    len(list),
	})
}

// UnfreezeRequest records the operator's review.
type UnfreezeRequest struct {
	Note string `json:"note"`
}

// UnfreezePairing handles POST /v1/admin/pairings/:id/unfreeze
func (h *Handler) UnfreezePairing(c *gin.Context) {
	var req UnfreezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
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

	p, err := h.service.Unfreeze(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Note, 500))
	if err != nil {
		h.writeError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairing": p})
}

// writeError maps settlement failures to responses. A request that lost a
// race to another terminal event gets 200 with the pairing as it now
// stands, since the trip is settled either way.
func (h *Handler) writeError(c *gin.Context, pairingID string, err error) {
	ctx := c.Request.Context()
	switch {
	case errors.Is(err, pairing.ErrAlreadySettled):
		body := gin.H{
			"error":   "already_settled",
			"message": "This trip has already been settled.",
		}
		if pairingID != "" {
			if p, getErr := h.service.Get(ctx, pairingID); getErr == nil {
				body["pairing"] = p
			}
		}
		c.JSON(http.StatusOK, body)
	case errors.Is(err, reservation.ErrConflictDetected),
		errors.Is(err, pairing.ErrActivePairing),
		errors.Is(err, ErrNotMatchable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict_detected",
			"message": "One of these reservations is already booked or no longer available.",
		})
	case errors.Is(err, pairing.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "illegal_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrPairingFrozen):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "pairing_frozen",
			"message": "This trip is under review. Our team will resolve it shortly.",
		})
	case errors.Is(err, ErrNotFrozen):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_frozen",
			"message": "Pairing is not frozen",
		})
	case errors.Is(err, idempotency.ErrKeyReused):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "idempotency_key_reused",
			"message": "This Idempotency-Key was already used for a different request.",
		})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Your wallet balance does not cover this fare. Top up and try again with a new request.",
		})
	case errors.Is(err, pairing.ErrNotFound), errors.Is(err, reservation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrWindowsDisjoint), errors.Is(err, ErrSubsidyExceedsFare):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case IsTransient(err), errors.Is(err, escrow.ErrUnbalancedEscrow):
		c.JSON(http.StatusAccepted, gin.H{
			"error":   "settlement_in_progress",
			"message": "Your trip is being settled. Check back shortly.",
		})
	default:
		logging.L(ctx).Error("settlement request failed", "error", err)
		c.JSON(http.StatusAccepted, gin.H{
			"error":   "settlement_in_progress",
			"message": "Your trip is being settled. Check back shortly.",
		})
	}
}
