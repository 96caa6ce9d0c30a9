// Package admin provides operator endpoints for escrow reconciliation.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/carpool/internal/logging"
	"github.com/mbd888/carpool/internal/reconciliation"
)

// ReconciliationRunner runs an escrow reconciliation pass.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// BreakerStates reports circuit breaker state per wallet operation.
type BreakerStates interface {
	States() map[string]string
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler ReconciliationRunner
	breakers   BreakerStates
}

// NewHandler creates an admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithReconciler sets the reconciliation runner.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithBreakers exposes wallet circuit breaker state.
func (h *Handler) WithBreakers(b BreakerStates) *Handler {
	h.breakers = b
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.triggerReconciliation)
	r.GET("/wallet/breakers", h.walletBreakers)
}

// triggerReconciliation runs an on-demand reconciliation of open escrows.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("on-demand reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	status := http.StatusOK
	if len(report.Mismatches) > 0 {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"report": report, "healthy": len(report.Mismatches) == 0})
}

func (h *Handler) walletBreakers(c *gin.Context) {
	if h.breakers == nil {
		c.JSON(http.StatusOK, gin.H{"breakers": map[string]string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"breakers": h.breakers.States()})
}
