// Package ctxkey names the values stored on gin.Context across middleware
// and controllers.
package ctxkey

const (
	// RequestId is the per-request identifier generated by middleware.RequestId
	// and echoed back in the X-Request-Id response header.
	RequestId = "request_id"

	// APIKey is the Outer API key the caller authenticated with.
	// Set in: middleware/auth.
	APIKey = "api_key"

	// IsAdmin marks that the caller authenticated against the admin key and
	// may reach the C8 admin surface.
	// Set in: middleware/auth.
	IsAdmin = "is_admin"

	// KeyRequestBody caches the raw request body bytes so handlers can log
	// or re-read them without consuming the original reader twice.
	KeyRequestBody = "request_body"
)
