package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Taxonomy codes. Every security-relevant failure carries one of these;
// the code is written to the audit log and, for authentication failures,
// withheld from the public response body.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          = "INTERNAL_ERROR"

	ErrCodeConfigInvalid          = "CONFIG_INVALID"
	ErrCodeUnknownProtocol        = "UNKNOWN_PROTOCOL"
	ErrCodeUnsupportedProtocol    = "UNSUPPORTED_PROTOCOL"
	ErrCodeInvalidFlow            = "INVALID_FLOW"
	ErrCodeFlowAlreadyConsumed    = "FLOW_ALREADY_CONSUMED"
	ErrCodeFlowExpired            = "FLOW_EXPIRED"
	ErrCodeProtocolError          = "PROTOCOL_ERROR"
	ErrCodeUpstreamError          = "UPSTREAM_ERROR"
	ErrCodeMfaRequired            = "MFA_REQUIRED"
	ErrCodeMfaInvalidCode         = "MFA_INVALID_CODE"
	ErrCodeRiskLockout            = "RISK_LOCKOUT"
	ErrCodeSessionExpired         = "SESSION_EXPIRED"
	ErrCodeSessionRevoked         = "SESSION_REVOKED"
	ErrCodeInsufficientPermission = "INSUFFICIENT_PERMISSION"
	ErrCodeNotSupported           = "NOT_SUPPORTED"
)

// Error is a taxonomy-coded error. Fields carries the offending field
// names for CONFIG_INVALID.
type Error struct {
	Code    string
	Message string
	Fields  []string
}

func (e *Error) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: %s %v", e.Code, e.Message, e.Fields)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, or INTERNAL_ERROR when err
// is not taxonomy-coded.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
		Details: details,
	})
}

// WriteAuthFailure returns the deliberately generic authentication failure
// body. The server-side taxonomy code stays in the audit log only.
func WriteAuthFailure(w http.ResponseWriter) {
	WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication failed", nil)
}
