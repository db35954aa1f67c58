package main

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/example/promptvault/internal/ratelimit"
	"github.com/rs/zerolog"
)

const (
	codeInvalidRequest     = "INVALID_REQUEST"
	codeInvalidCredentials = "INVALID_CREDENTIALS"
	codeUserExists         = "USER_EXISTS"
	codeUserNotFound       = "USER_NOT_FOUND"
	codeMissingToken       = "MISSING_TOKEN"
	codeInvalidToken       = "INVALID_TOKEN"
	codeTokenExpired       = "TOKEN_EXPIRED"
	codeTokenReuse         = "TOKEN_REUSE_DETECTED"
	codeNotVerified        = "NOT_VERIFIED"
	codeRateLimited        = "RATE_LIMIT_EXCEEDED"
	codeGenerationFailed   = "GENERATION_FAILED"
	codeInternal           = "INTERNAL_ERROR"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{
		Code:    code,
		Message: message,
	})
}

// writeErrorDetails is writeError with a details field, used for validation failures.
func writeErrorDetails(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, APIError{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// writeInternal logs err against the request and answers 500 without leaking it.
func writeInternal(w http.ResponseWriter, r *http.Request, err error, msg string) {
	zerolog.Ctx(r.Context()).Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
}

// writeRateLimited answers 429 with Retry-After in whole seconds, rounded up.
func writeRateLimited(w http.ResponseWriter, d ratelimit.Decision, now time.Time) {
	secs := int(math.Ceil(d.RetryAfter(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("X-RateLimit-Remaining", "0")
	writeError(w, http.StatusTooManyRequests, codeRateLimited, "Rate limit exceeded")
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}
