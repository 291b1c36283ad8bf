package chat

import "fmt"

// Error is the canonical error shape crossing package boundaries.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrValidation covers malformed input, e.g. an empty message with no
	// attachments.
	ErrValidation ErrorType = "validation_error"
	// ErrAuthentication means the caller presented no usable credentials.
	ErrAuthentication ErrorType = "authentication_error"
	// ErrAuthorization means the caller is known but does not own the
	// resource. Fails closed: no data is returned.
	ErrAuthorization ErrorType = "authorization_error"
	ErrNotFound      ErrorType = "not_found_error"
	// ErrTransport is a mid-stream network failure. Text already delivered
	// is kept; persistence still attempts to save the partial text.
	ErrTransport ErrorType = "transport_error"
	// ErrEngine is a fatal speech-engine failure (hardware, permission).
	// Surfaced to the caller, never auto-retried.
	ErrEngine ErrorType = "engine_error"
	// ErrEngineTransient is a recoverable engine interruption (silence
	// timeout, session limit, transient drop). Triggers auto-restart.
	ErrEngineTransient ErrorType = "engine_transient_error"
	// ErrPersistence is a store write failure after successful generation.
	// Logged as a silent-data-loss risk; never retracts delivered bytes.
	ErrPersistence ErrorType = "persistence_error"
	// ErrRateLimit means the caller exceeded the gateway's per-key limits.
	ErrRateLimit ErrorType = "rate_limit_error"
	ErrAPI       ErrorType = "api_error"
)

// NewValidationError creates a validation error.
func NewValidationError(message string) *Error {
	return &Error{Type: ErrValidation, Message: message}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewAuthorizationError creates an authorization error.
func NewAuthorizationError(message string) *Error {
	return &Error{Type: ErrAuthorization, Message: message}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// NewTransportError creates a transport error.
func NewTransportError(message string) *Error {
	return &Error{Type: ErrTransport, Message: message}
}

// NewEngineError creates a fatal engine error.
func NewEngineError(message, code string) *Error {
	return &Error{Type: ErrEngine, Message: message, Code: code}
}

// NewEngineTransientError creates a recoverable engine error.
func NewEngineTransientError(message, code string) *Error {
	return &Error{Type: ErrEngineTransient, Message: message, Code: code}
}

// NewPersistenceError creates a persistence error.
func NewPersistenceError(message string) *Error {
	return &Error{Type: ErrPersistence, Message: message}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string) *Error {
	return &Error{Type: ErrRateLimit, Message: message}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// IsRecoverable reports whether the error should trigger the dictation
// auto-restart policy instead of being surfaced as fatal.
func (e *Error) IsRecoverable() bool {
	return e.Type == ErrEngineTransient
}
