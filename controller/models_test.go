package controller

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirobridge/kirobridge/outer"
)

func TestListModels_ReturnsKnownModelFamilies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/models", ListModels)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp outer.ModelsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.HasMore)

	ids := make(map[string]bool)
	for _, m := range resp.Data {
		ids[m.ID] = true
		assert.Equal(t, "model", m.Type)
	}
	assert.True(t, ids["claude-sonnet-4-5"])
	assert.True(t, ids["claude-opus-4-5"])
	assert.True(t, ids["claude-haiku-4-5"])
}
