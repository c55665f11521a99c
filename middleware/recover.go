package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/kirobridge/kirobridge/common/logger"
)

// Recover turns a panic inside a handler into a spec §7 api_error response
// instead of crashing the process.
func Recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Logger.Error("panic detected",
					zap.Any("panic", err),
					zap.String("stacktrace", string(debug.Stack())),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path))
				c.JSON(http.StatusInternalServerError, gin.H{
					"type":    "error",
					"error": gin.H{
						"type":    "api_error",
						"message": "internal error",
					},
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}
