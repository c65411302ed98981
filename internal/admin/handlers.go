package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler ReconciliationChecker
}

// NewHandler creates an admin handler.
func NewHandler(reconciler ReconciliationChecker) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterRoutes sets up admin routes on an already-guarded group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconcile", h.Reconcile)
}

// Reconcile handles GET /v1/admin/reconcile: runs the custody fund
// conservation check on demand and reports the result.
func (h *Handler) Reconcile(c *gin.Context) {
	result, err := h.reconciler.CheckCustody(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
		})
		return
	}

	status := http.StatusOK
	if !result.Match {
		// Surface broken conservation loudly; this should page someone
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"reconciliation": result})
}
