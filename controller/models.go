package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirobridge/kirobridge/outer"
)

// listedModels are the Outer-facing model ids this bridge accepts (§4.5
// "Model mapping"); the mapping table itself is an out-of-scope concern
// per §1, but GET /v1/models still needs a concrete listing.
var listedModels = []outer.Model{
	{ID: "claude-sonnet-4-5", Type: "model", DisplayName: "Claude Sonnet 4.5"},
	{ID: "claude-opus-4-5", Type: "model", DisplayName: "Claude Opus 4.5"},
	{ID: "claude-haiku-4-5", Type: "model", DisplayName: "Claude Haiku 4.5"},
}

// ListModels serves GET /v1/models.
func ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, outer.ModelsResponse{Data: listedModels, HasMore: false})
}
