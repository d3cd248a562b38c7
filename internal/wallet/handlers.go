package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kizuna-ai-lab/sokuji/internal/auth"
	"github.com/kizuna-ai-lab/sokuji/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.ListPlans)
}

// RegisterProtectedRoutes sets up routes acting on the caller's wallet.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/status", h.GetStatus)
	r.POST("/wallet/use", h.UseTokens)
	r.GET("/wallet/history", h.GetHistory)
	r.GET("/wallet/quota", h.GetQuota)
}

// RegisterAdminRoutes sets up operator routes on arbitrary wallets.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/wallets/:type/:id", validation.SubjectParamMiddleware())
	g.GET("", h.AdminGetWallet)
	g.POST("/freeze", h.Freeze)
	g.POST("/unfreeze", h.Unfreeze)
	g.POST("/adjust", h.Adjust)
	g.POST("/ensure", h.Ensure)
}

// ListPlans handles GET /v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.service.ListPlans(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(plans))
	for _, p := range plans {
		f := FeaturesFor(p.PlanID)
		out = append(out, gin.H{
			"planId":                p.PlanID,
			"priceCents":            p.PriceCents,
			"monthlyQuotaTokens":    p.MonthlyQuotaTokens,
			"features":              f.Features,
			"rateLimitRpm":          f.RateLimitRPM,
			"maxConcurrentSessions": f.MaxConcurrentSessions,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plans": out, "count": len(out)})
}

// GetStatus handles GET /v1/wallet/status
func (h *Handler) GetStatus(c *gin.Context) {
	subject, ok := callerSubject(c)
	if !ok {
		return
	}
	bal, err := h.service.GetBalance(c.Request.Context(), subject)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": bal})
}

type useTokensRequest struct {
	Tokens         int64          `json:"tokens" validate:"gt=0"`
	Provider       string         `json:"provider" validate:"max=32"`
	Model          string         `json:"model" validate:"max=128"`
	Endpoint       string         `json:"endpoint" validate:"max=255"`
	Method         string         `json:"method" validate:"max=16"`
	InputTokens    int64          `json:"inputTokens" validate:"gte=0"`
	OutputTokens   int64          `json:"outputTokens" validate:"gte=0"`
	SessionID      string         `json:"sessionId" validate:"max=255"`
	RequestID      string         `json:"requestId" validate:"max=255"`
	ResponseID     string         `json:"responseId" validate:"max=255"`
	ConversationID string         `json:"conversationId" validate:"max=255"`
	Metadata       map[string]any `json:"metadata"`
}

// UseTokens handles POST /v1/wallet/use
func (h *Handler) UseTokens(c *gin.Context) {
	subject, ok := callerSubject(c)
	if !ok {
		return
	}
	var req useTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Request body must be JSON"})
		return
	}
	if errs := validation.Struct(req); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": errs.Error(), "details": errs})
		return
	}

	res, err := h.service.UseTokens(c.Request.Context(), subject, req.Tokens, UsageDetails{
		Provider:       req.Provider,
		Model:          req.Model,
		Endpoint:       req.Endpoint,
		Method:         req.Method,
		InputTokens:    req.InputTokens,
		OutputTokens:   req.OutputTokens,
		SessionID:      req.SessionID,
		RequestID:      req.RequestID,
		ResponseID:     req.ResponseID,
		ConversationID: req.ConversationID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "remaining": res.Remaining, "ledgerId": res.LedgerID})
}

// GetHistory handles GET /v1/wallet/history?limit=&cursor=
func (h *Handler) GetHistory(c *gin.Context) {
	subject, ok := callerSubject(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.service.GetHistory(c.Request.Context(), subject, limit, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetQuota handles GET /v1/wallet/quota
func (h *Handler) GetQuota(c *gin.Context) {
	subject, ok := callerSubject(c)
	if !ok {
		return
	}
	stats, err := h.service.GetUsageStats(c.Request.Context(), subject)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": stats})
}

// AdminGetWallet handles GET /v1/admin/wallets/:type/:id
func (h *Handler) AdminGetWallet(c *gin.Context) {
	subject := paramSubject(c)
	bal, err := h.service.GetBalance(c.Request.Context(), subject)
	if err != nil {
		writeError(c, err)
		return
	}
	stats, err := h.service.GetUsageStats(c.Request.Context(), subject)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": bal, "usage": stats})
}

// Freeze handles POST /v1/admin/wallets/:type/:id/freeze
func (h *Handler) Freeze(c *gin.Context) { h.setFrozen(c, true) }

// Unfreeze handles POST /v1/admin/wallets/:type/:id/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) { h.setFrozen(c, false) }

func (h *Handler) setFrozen(c *gin.Context, frozen bool) {
	subject := paramSubject(c)
	if err := h.service.SetFrozenStatus(c.Request.Context(), subject, frozen); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": subject, "frozen": frozen})
}

type adjustRequest struct {
	Delta   int64  `json:"delta" validate:"ne=0"`
	Reason  string `json:"reason" validate:"max=500"`
	EventID string `json:"eventId" validate:"max=255"`
}

// Adjust handles POST /v1/admin/wallets/:type/:id/adjust
func (h *Handler) Adjust(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Request body must be JSON"})
		return
	}
	if errs := validation.Struct(req); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": errs.Error(), "details": errs})
		return
	}
	subject := paramSubject(c)
	balance, err := h.service.AdjustTokens(c.Request.Context(), subject, req.Delta,
		validation.SanitizeString(req.Reason, 500), req.EventID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": subject, "balance": balance})
}

type ensureRequest struct {
	PlanID string `json:"planId" validate:"max=64"`
}

// Ensure handles POST /v1/admin/wallets/:type/:id/ensure
func (h *Handler) Ensure(c *gin.Context) {
	var req ensureRequest
	_ = c.ShouldBindJSON(&req)
	subject := paramSubject(c)
	created, err := h.service.EnsureWallet(c.Request.Context(), subject, req.PlanID)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"subject": subject, "created": created})
}

func callerSubject(c *gin.Context) (Subject, bool) {
	typ, id, ok := auth.GetSubject(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return Subject{}, false
	}
	return Subject{Type: typ, ID: id}, true
}

func paramSubject(c *gin.Context) Subject {
	return Subject{Type: c.Param("type"), ID: c.Param("id")}
}

// StatusFor maps a service error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	var insufficient *InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient), errors.Is(err, ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, ErrWalletFrozen):
		return http.StatusForbidden, "wallet_frozen"
	case errors.Is(err, ErrWalletNotFound):
		return http.StatusNotFound, "wallet_not_found"
	case errors.Is(err, ErrPlanNotFound):
		return http.StatusBadRequest, "plan_not_found"
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidSubject):
		return http.StatusBadRequest, "invalid_subject"
	case errors.Is(err, ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, ErrMissingEventID):
		return http.StatusBadRequest, "missing_event_id"
	case errors.Is(err, ErrDuplicateEvent):
		return http.StatusConflict, "duplicate_event"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	resp := gin.H{"error": code, "message": msg}
	var insufficient *InsufficientBalanceError
	if errors.As(err, &insufficient) {
		resp["remaining"] = insufficient.Remaining
		resp["requested"] = insufficient.Requested
	}
	c.JSON(status, resp)
}
