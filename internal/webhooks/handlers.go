package webhooks

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kizuna-ai-lab/sokuji/internal/validation"
)

// Handler exposes webhook ingestion and the admin audit listing.
type Handler struct {
	processor *Processor
	store     Store
	verbose   bool
}

// NewHandler creates a webhook handler. verbose includes handler error text
// in 500 replies (development only).
func NewHandler(processor *Processor, store Store, verbose bool) *Handler {
	return &Handler{processor: processor, store: store, verbose: verbose}
}

// RegisterRoutes sets up ingestion routes for every configured source.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	for _, name := range []string{"clerk", "stripe"} {
		if h.processor.HasSource(name) {
			r.POST("/webhooks/"+name, h.receive(name))
		}
	}
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks/audit", h.ListAudit)
}

func (h *Handler) receive(source string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, validation.MaxRequestSize))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Failed to read body"})
			return
		}

		res, err := h.processor.Process(c.Request.Context(), source, &Delivery{
			Body:      body,
			Header:    c.Request.Header,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		switch {
		case errors.Is(err, ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Invalid signature"})
			return
		case errors.Is(err, ErrUnknownSource):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_source", "message": "Webhook source not configured"})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to process webhook"})
			return
		}

		switch res.Outcome {
		case OutcomeStale:
			c.JSON(http.StatusOK, gin.H{"received": true, "rejected": "too_old"})
		case OutcomeDuplicate:
			c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		case OutcomeFailed:
			msg := "Processing error"
			if h.verbose && res.Err != nil {
				msg = res.Err.Error()
			}
			c.JSON(http.StatusInternalServerError, gin.H{"received": true, "error": msg})
		default:
			c.JSON(http.StatusOK, gin.H{"received": true, "processed": true, "eventId": res.EventID})
		}
	}
}

// ListAudit handles GET /v1/admin/webhooks/audit?status=&source=&limit=
func (h *Handler) ListAudit(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case "", StatusPending, StatusSuccess, StatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "status must be pending, success or failed"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.store.ListAudit(c.Request.Context(), AuditFilter{
		Status: status,
		Source: c.Query("source"),
		Limit:  limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list audit entries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
