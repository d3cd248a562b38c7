package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes reconciliation to operators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes mounts the reconcile endpoints on an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.Run)
	r.GET("/reconcile", h.Last)
}

// Run handles POST /v1/admin/reconcile
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.runner.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed", "message": "Reconciliation run failed"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

// Last handles GET /v1/admin/reconcile
func (h *Handler) Last(c *gin.Context) {
	rep := h.runner.Last()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_run", "message": "No reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, rep)
}
