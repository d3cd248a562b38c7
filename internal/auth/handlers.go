package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts self-service key routes; callers must apply RequireAuth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
	r.GET("/auth/keys", h.ListKeys)
	r.POST("/auth/keys", h.CreateKey)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes mounts operator key issuance; callers must apply RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/keys", h.IssueKey)
}

// Me returns the authenticated subject.
func (h *Handler) Me(c *gin.Context) {
	key, _ := GetAPIKey(c)
	c.JSON(http.StatusOK, gin.H{
		"subjectType": key.SubjectType,
		"subjectId":   key.SubjectID,
		"keyId":       key.ID,
		"keyName":     key.Name,
	})
}

// ListKeys returns the caller's keys without hashes.
func (h *Handler) ListKeys(c *gin.Context) {
	key, _ := GetAPIKey(c)
	keys, err := h.manager.ListKeys(c.Request.Context(), key.SubjectType, key.SubjectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

type createKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey issues an additional key for the caller.
func (h *Handler) CreateKey(c *gin.Context) {
	key, _ := GetAPIKey(c)
	var req createKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}
	h.issue(c, key.SubjectType, key.SubjectID, req.Name)
}

type issueKeyRequest struct {
	SubjectType string `json:"subjectType" binding:"required"`
	SubjectID   string `json:"subjectId" binding:"required"`
	Name        string `json:"name"`
}

// IssueKey lets an operator mint a key for any subject.
func (h *Handler) IssueKey(c *gin.Context) {
	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "subjectType and subjectId are required"})
		return
	}
	if req.Name == "" {
		req.Name = "Issued key"
	}
	h.issue(c, req.SubjectType, req.SubjectID, req.Name)
}

func (h *Handler) issue(c *gin.Context, subjectType, subjectID, name string) {
	raw, key, err := h.manager.GenerateKey(c.Request.Context(), subjectType, subjectID, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create API key"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  raw,
		"keyId":   key.ID,
		"name":    key.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the caller's other keys.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, _ := GetAPIKey(c)
	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}
	err := h.manager.RevokeKey(c.Request.Context(), keyID, key.SubjectType, key.SubjectID)
	if errors.Is(err, ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found", "message": "Key not found or already revoked"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to revoke key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
}
