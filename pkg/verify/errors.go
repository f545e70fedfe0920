package verify

import (
	"errors"
	"fmt"
	"net/http"
)

// Rejection codes. The strings are the wire contract; the set is closed.
const (
	CodeMissingToken        = "missing_token"
	CodeInvalidTokenFormat  = "invalid_token_format"
	CodeMissingKid          = "missing_kid"
	CodeKeyResolutionFailed = "key_resolution_failed"
	CodeAudMismatch         = "aud_mismatch"
	CodeMissingNonce        = "missing_nonce"
	CodeMissingHolderID     = "missing_holder_id"
	CodeInvalidNonce        = "invalid_nonce"
	CodeNonceUsed           = "nonce_used"
	CodeNonceExpired        = "nonce_expired"
	CodeMethodMismatch      = "method_mismatch"
	CodePathMismatch        = "path_mismatch"

	// CodeSigInvalidOrExpired deliberately merges cryptographic and
	// temporal failures so callers cannot tell them apart.
	CodeSigInvalidOrExpired = "sig_invalid_or_expired"

	// CodeInternal covers faults like entropy exhaustion or a failing
	// store backend. The only code that maps to a 500.
	CodeInternal = "internal_error"
)

// Error is a typed verification rejection carrying a wire code and the HTTP
// status it renders to.
type Error struct {
	// Code is one of the Code* constants.
	Code string

	// Status is the HTTP status the boundary should emit.
	Status int

	// Message is a human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on the wire code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func statusFor(code string) int {
	if code == CodeInternal {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// NewError creates an Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Status: statusFor(code), Message: message}
}

// WrapError creates an Error that wraps an underlying cause.
func WrapError(code, message string, cause error) *Error {
	return &Error{Code: code, Status: statusFor(code), Message: message, Cause: cause}
}

// AsError checks whether err is an Error.
func AsError(err error) (*Error, bool) {
	var vErr *Error
	if errors.As(err, &vErr) {
		return vErr, true
	}
	return nil, false
}
