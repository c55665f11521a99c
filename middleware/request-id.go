package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kirobridge/kirobridge/common/ctxkey"
)

// RequestIdHeader is the response header carrying the per-request identifier.
const RequestIdHeader = "X-Request-Id"

// RequestId assigns a unique id to every request, exposing it on the gin
// context under ctxkey.RequestId and echoing it back as a response header.
func RequestId() func(c *gin.Context) {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(ctxkey.RequestId, id)
		c.Header(RequestIdHeader, id)
		c.Next()
	}
}
