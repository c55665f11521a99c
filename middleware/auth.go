package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kirobridge/kirobridge/common/ctxkey"
	"github.com/kirobridge/kirobridge/outer"
)

// extractKey reads the caller's key from either "x-api-key: <key>" or
// "Authorization: Bearer <key>" (§6 "Authentication accepts either...").
func extractKey(c *gin.Context) string {
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func authError(c *gin.Context, message string) {
	err := outer.NewError(outer.ErrAuthentication, message, nil)
	c.JSON(http.StatusUnauthorized, err.Response())
	c.Abort()
}

// APIKeyAuth authenticates Outer API callers (/v1/*) against the configured
// apiKey (§6).
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractKey(c)
		if key == "" || !constantTimeEqual(key, apiKey) {
			authError(c, "missing or invalid API key")
			return
		}
		c.Set(ctxkey.APIKey, key)
		c.Next()
	}
}

// AdminKeyAuth authenticates admin-surface callers (/api/admin/*) against
// the configured adminApiKey. Only mounted when adminApiKey is non-empty
// (§6 "Admin routes require the admin key and are only mounted when
// configured").
func AdminKeyAuth(adminAPIKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractKey(c)
		if key == "" || !constantTimeEqual(key, adminAPIKey) {
			authError(c, "missing or invalid admin API key")
			return
		}
		c.Set(ctxkey.IsAdmin, true)
		c.Next()
	}
}
