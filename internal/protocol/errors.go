package protocol

import "errors"

// Error codes attached to failed ExecutionResults and flow steps. Callers
// branch on these instead of catching errors.
const (
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodeCSRF            = "CSRF_ERROR"
	ErrCodeAuthDenied      = "AUTHORIZATION_DENIED"
	ErrCodeToken           = "TOKEN_ERROR"
	ErrCodeNetwork         = "NETWORK_ERROR"
	ErrCodeProtocol        = "PROTOCOL_ERROR"
	ErrCodeParse           = "PARSE_ERROR"
	ErrCodeUnknownProtocol = "UNKNOWN_PROTOCOL"
)

// ErrNotSupported is returned by default implementations of token lifecycle
// operations that a concrete module does not override.
var ErrNotSupported = errors.New("protocol: operation not supported")
