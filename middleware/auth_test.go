package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirobridge/kirobridge/common/ctxkey"
)

func newAuthTestRouter(h gin.HandlerFunc, apiKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", APIKeyAuth(apiKey), h)
	return r
}

func TestAPIKeyAuth_AcceptsXAPIKeyHeader(t *testing.T) {
	var seenKey string
	r := newAuthTestRouter(func(c *gin.Context) {
		if v, ok := c.Get(ctxkey.APIKey); ok {
			seenKey, _ = v.(string)
		}
		c.Status(http.StatusOK)
	}, "secret")

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("x-api-key", "secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "secret", seenKey)
}

func TestAPIKeyAuth_AcceptsBearerAuthorizationHeader(t *testing.T) {
	r := newAuthTestRouter(func(c *gin.Context) { c.Status(http.StatusOK) }, "secret")

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuth_RejectsMissingOrWrongKey(t *testing.T) {
	r := newAuthTestRouter(func(c *gin.Context) { c.Status(http.StatusOK) }, "secret")

	cases := []string{"", "wrong"}
	for _, key := range cases {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if key != "" {
			req.Header.Set("x-api-key", key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
}

func TestAdminKeyAuth_RejectsWhenKeyWrong(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", AdminKeyAuth("admin-secret"), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("x-api-key", "not-admin-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminKeyAuth_SetsIsAdminOnSuccess(t *testing.T) {
	var isAdmin bool
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", AdminKeyAuth("admin-secret"), func(c *gin.Context) {
		v, _ := c.Get(ctxkey.IsAdmin)
		isAdmin, _ = v.(bool)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("x-api-key", "admin-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, isAdmin)
}
