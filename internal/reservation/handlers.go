package reservation

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/carpool/internal/logging"
	"github.com/mbd888/carpool/internal/pagination"
	"github.com/mbd888/carpool/internal/storeerr"
	"github.com/mbd888/carpool/internal/validation"
)

// Handler provides HTTP endpoints for reservations.
type Handler struct {
	service *Service
}

// NewHandler creates a new reservation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up reservation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reservations", h.CreateReservation)
	r.GET("/reservations/:id", validation.ResourceIDParamMiddleware(), h.GetReservation)
	r.GET("/users/:userId/reservations", h.ListReservations)
	r.GET("/users/:userId/conflicts", h.CheckConflicts)
}

// CreateReservation handles POST /v1/reservations
func (h *Handler) CreateReservation(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidUserID("userId", req.UserID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	r, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"reservation": r})
}

// GetReservation handles GET /v1/reservations/:id
func (h *Handler) GetReservation(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": r})
}

// ListReservations handles GET /v1/users/:userId/reservations
func (h *Handler) ListReservations(c *gin.Context) {
	userID := c.Param("userId")
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "userId is not valid",
		})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	list, next, err := h.service.ListByUser(c.Request.Context(), userID, c.Query("cursor"), limit)
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid",
		})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reservations": list,
		"count":        len(list),
		"nextCursor":   next,
		"hasMore":      next != "",
	})
}

// CheckConflicts handles GET /v1/users/:userId/conflicts?start=&end=
func (h *Handler) CheckConflicts(c *gin.Context) {
	userID := c.Param("userId")
	start, errStart := time.Parse(time.RFC3339, c.Query("start"))
	end, errEnd := time.Parse(time.RFC3339, c.Query("end"))
	if !validation.IsValidUserID(userID) || errStart != nil || errEnd != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "valid userId and RFC 3339 start and end are required",
		})
		return
	}

	conflicts, err := h.service.FindConflicts(c.Request.Context(), userID, Window{Start: start, End: end})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conflicts": conflicts,
		"available": len(conflicts) == 0,
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		ids := make([]string, len(conflict.Conflicts))
		for i, r := range conflict.Conflicts {
			ids[i] = r.ID
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":     "conflict_detected",
			"message":   "You already have a booking in this time window. Choose a different time.",
			"conflicts": ids,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Reservation not found",
		})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidWindow):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, storeerr.ErrUnavailable):
		logging.L(c.Request.Context()).Warn("reservation store unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "storage_unavailable",
			"message": "Availability could not be confirmed. Please try again.",
		})
	default:
		logging.L(c.Request.Context()).Error("reservation request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
