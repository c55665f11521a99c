// Package outer holds the wire types for the public Anthropic-style Outer
// API: requests, SSE event payloads, and the error taxonomy of §7.
package outer

// ErrorType is one of the Outer API error kinds from spec §7.
type ErrorType string

const (
	ErrInvalidRequest    ErrorType = "invalid_request"
	ErrAuthentication    ErrorType = "authentication_error"
	ErrPermission        ErrorType = "permission_error"
	ErrRateLimit         ErrorType = "rate_limit_error"
	ErrOverloaded        ErrorType = "overloaded_error"
	ErrAPI               ErrorType = "api_error"
	ErrNoHealthyCredential ErrorType = "no_healthy_credential"
)

// Error is the body of a non-streaming error response and of the "error"
// field inside a terminal "error" SSE event.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`

	// RawError carries the underlying cause for logging; never marshaled.
	RawError error `json:"-"`
}

// ErrorResponse is the top-level shape returned for non-streaming errors:
// {"type": "error", "error": {...}}.
type ErrorResponse struct {
	Type  string `json:"type"`
	Error Error  `json:"error"`
}

// NewError builds an Error, keeping err for logging without leaking it to
// the client.
func NewError(kind ErrorType, message string, err error) *Error {
	return &Error{Type: kind, Message: message, RawError: err}
}

// Response wraps e as the top-level {"type":"error",...} document.
func (e *Error) Response() ErrorResponse {
	return ErrorResponse{Type: "error", Error: *e}
}

// StatusCode maps an error kind to the HTTP status it should surface as,
// for non-streaming responses.
func (e *Error) StatusCode() int {
	switch e.Type {
	case ErrInvalidRequest:
		return 400
	case ErrAuthentication:
		return 401
	case ErrPermission:
		return 403
	case ErrRateLimit:
		return 429
	case ErrOverloaded:
		return 503
	case ErrNoHealthyCredential:
		return 503
	default:
		return 500
	}
}
