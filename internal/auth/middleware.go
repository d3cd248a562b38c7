package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kizuna-ai-lab/sokuji/internal/logging"
)

const (
	// ContextKeyAPIKey is the gin context key for the validated *APIKey.
	ContextKeyAPIKey = "apiKey"
	// ContextKeySubjectType and ContextKeySubjectID hold the key's subject.
	ContextKeySubjectType = "authSubjectType"
	ContextKeySubjectID   = "authSubjectID"
)

// AdminSecretHeader carries the shared admin secret.
const AdminSecretHeader = "X-Admin-Secret"

// Middleware validates an API key if one is present. It never aborts;
// use RequireAuth on routes that need a subject.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		if raw != "" {
			key, err := m.ValidateKey(c.Request.Context(), raw)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeySubjectType, key.SubjectType)
				c.Set(ContextKeySubjectID, key.SubjectID)
				ctx := logging.WithSubject(c.Request.Context(), key.SubjectType+":"+key.SubjectID)
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid API key.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards operator routes. With a configured secret the
// X-Admin-Secret header must match it; without one (development) any
// authenticated caller passes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if !IsAuthenticated(c) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Authentication required.",
				})
				return
			}
			c.Next()
			return
		}
		got := c.GetHeader(AdminSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the validated key, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// GetSubject returns the authenticated subject.
func GetSubject(c *gin.Context) (subjectType, subjectID string, ok bool) {
	subjectType = c.GetString(ContextKeySubjectType)
	subjectID = c.GetString(ContextKeySubjectID)
	return subjectType, subjectID, subjectType != "" && subjectID != ""
}

// IsAuthenticated reports whether the request carried a valid key.
func IsAuthenticated(c *gin.Context) bool {
	_, ok := c.Get(ContextKeyAPIKey)
	return ok
}
