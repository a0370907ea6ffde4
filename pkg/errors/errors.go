// Package errors defines the structured error taxonomy of the keystore service.
// Every error carries a stable code and the HTTP status the transport layer reports.
package errors

import (
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeMissingIdentity      Code = "missing_identity"
	CodeBadParameter         Code = "bad_parameter"
	CodeNotFound             Code = "not_found"
	CodeExpired              Code = "key_expired"
	CodeAccessExpired        Code = "access_token_expired"
	CodeRefreshExpired       Code = "refresh_token_expired"
	CodeAddFailure           Code = "add_failure"
	CodeSignatureMismatch    Code = "signature_mismatch"
	CodeClaimsParsingFailure Code = "claims_parsing_failure"
	CodeConflict             Code = "conflict"
	CodeStorageFailure       Code = "storage_failure"
	CodeUnauthorized         Code = "unauthorized"
	CodeRateLimited          Code = "rate_limited"
	CodeInternal             Code = "internal_error"
)

// ================================================================================
// Base Error Interface
// ================================================================================

// AppError represents a structured error with additional metadata.
type AppError interface {
	error

	// Code returns the stable error code
	Code() Code

	// HTTPStatus returns the HTTP status code
	HTTPStatus() int

	// Description returns a human-readable description of the kind
	Description() string

	// Message returns the client-facing message without the cause chain
	Message() string

	// Unwrap returns the underlying error for error chain support
	Unwrap() error

	// WithCause adds a cause error to the error chain
	WithCause(cause error) AppError

	// WithMetadata adds additional context metadata
	WithMetadata(key string, value interface{}) AppError

	// Metadata returns all metadata
	Metadata() map[string]interface{}
}

// ================================================================================
// Base Error Implementation
// ================================================================================

type baseError struct {
	code        Code
	httpStatus  int
	description string
	message     string
	cause       error
	metadata    map[string]interface{}
}

// Error implements the error interface
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message(), e.cause)
	}
	return e.Message()
}

// Message falls back to the kind description when no message was given.
func (e *baseError) Message() string {
	if e.message == "" {
		return e.description
	}
	return e.message
}

func (e *baseError) Code() Code          { return e.code }
func (e *baseError) HTTPStatus() int     { return e.httpStatus }
func (e *baseError) Description() string { return e.description }
func (e *baseError) Unwrap() error       { return e.cause }

// WithCause adds a cause error to the error chain
func (e *baseError) WithCause(cause error) AppError {
	e.cause = cause
	return e
}

// WithMetadata adds additional context metadata
func (e *baseError) WithMetadata(key string, value interface{}) AppError {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

// Metadata returns all metadata
func (e *baseError) Metadata() map[string]interface{} {
	return e.metadata
}

// Is reports whether target is an AppError of the same code, so that
// errors.Is(err, errors.ErrNotFound) matches any not-found error.
func (e *baseError) Is(target error) bool {
	var t AppError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code() == e.code
}

// NewError creates a new AppError with the specified parameters
func NewError(code Code, httpStatus int, description, message string) AppError {
	return &baseError{
		code:        code,
		httpStatus:  httpStatus,
		description: description,
		message:     message,
	}
}

// ================================================================================
// Sentinels for errors.Is matching
// ================================================================================

var (
	ErrMissingIdentity      = NewError(CodeMissingIdentity, http.StatusBadRequest, "userId and clientId are required", "")
	ErrBadParameter         = NewError(CodeBadParameter, http.StatusBadRequest, "unrecognized or malformed parameter", "")
	ErrNotFound             = NewError(CodeNotFound, http.StatusNotFound, "key not found", "")
	ErrExpired              = NewError(CodeExpired, http.StatusGone, "key has expired and was removed", "")
	ErrAccessExpired        = NewError(CodeAccessExpired, http.StatusUnauthorized, "access token has expired", "")
	ErrRefreshExpired       = NewError(CodeRefreshExpired, http.StatusForbidden, "refresh token has expired", "")
	ErrAddFailure           = NewError(CodeAddFailure, http.StatusInternalServerError, "failed to persist key", "")
	ErrSignatureMismatch    = NewError(CodeSignatureMismatch, http.StatusBadRequest, "token signature does not match", "")
	ErrClaimsParsingFailure = NewError(CodeClaimsParsingFailure, http.StatusBadRequest, "token claims could not be parsed", "")
	ErrConflict             = NewError(CodeConflict, http.StatusConflict, "key already exists", "")
	ErrStorageFailure       = NewError(CodeStorageFailure, http.StatusInternalServerError, "storage operation failed", "")
)

// ================================================================================
// Constructors
// ================================================================================

// MissingIdentity reports a key operation lacking userId or clientId.
func MissingIdentity(message string) AppError {
	return NewError(CodeMissingIdentity, http.StatusBadRequest, ErrMissingIdentity.Description(), message)
}

// BadParameter reports a rejected query parameter.
func BadParameter(param, message string) AppError {
	return NewError(CodeBadParameter, http.StatusBadRequest, ErrBadParameter.Description(), message).
		WithMetadata("parameter", param)
}

// NotFound reports an identity or token lookup miss.
func NotFound(message string) AppError {
	return NewError(CodeNotFound, http.StatusNotFound, ErrNotFound.Description(), message)
}

// Expired reports a key whose access and refresh tokens are both dead.
func Expired(keyID string) AppError {
	return NewError(CodeExpired, http.StatusGone, ErrExpired.Description(), fmt.Sprintf("key %s has expired", keyID)).
		WithMetadata("key_id", keyID)
}

// AccessExpired reports a dead access token whose refresh token is still valid.
func AccessExpired(keyID string) AppError {
	return NewError(CodeAccessExpired, http.StatusUnauthorized, ErrAccessExpired.Description(), fmt.Sprintf("access token of key %s has expired, refresh required", keyID)).
		WithMetadata("key_id", keyID)
}

// RefreshExpired reports a refresh attempt with a dead refresh token.
func RefreshExpired(keyID string) AppError {
	return NewError(CodeRefreshExpired, http.StatusForbidden, ErrRefreshExpired.Description(), fmt.Sprintf("refresh token of key %s has expired", keyID)).
		WithMetadata("key_id", keyID)
}

// AddFailure reports a failed create or replace.
func AddFailure(keyID string, cause error) AppError {
	return NewError(CodeAddFailure, http.StatusInternalServerError, ErrAddFailure.Description(), fmt.Sprintf("failed to add key %s", keyID)).
		WithCause(cause).
		WithMetadata("key_id", keyID)
}

// SignatureMismatch reports a token signed with a different key.
func SignatureMismatch(cause error) AppError {
	return NewError(CodeSignatureMismatch, http.StatusBadRequest, ErrSignatureMismatch.Description(), "").WithCause(cause)
}

// ClaimsParsingFailure reports a malformed or invalid token envelope.
func ClaimsParsingFailure(message string, cause error) AppError {
	return NewError(CodeClaimsParsingFailure, http.StatusBadRequest, ErrClaimsParsingFailure.Description(), message).WithCause(cause)
}

// Conflict reports an insert of an id that is already stored.
func Conflict(keyID string) AppError {
	return NewError(CodeConflict, http.StatusConflict, ErrConflict.Description(), fmt.Sprintf("key %s already exists", keyID)).
		WithMetadata("key_id", keyID)
}

// StorageFailure wraps an error returned by a storage engine.
func StorageFailure(operation string, cause error) AppError {
	return NewError(CodeStorageFailure, http.StatusInternalServerError, ErrStorageFailure.Description(), fmt.Sprintf("storage %s failed", operation)).
		WithCause(cause).
		WithMetadata("operation", operation)
}

// Unauthorized reports a management API call without valid credentials.
func Unauthorized(message string) AppError {
	return NewError(CodeUnauthorized, http.StatusUnauthorized, "authentication required", message)
}

// RateLimited reports a caller that exhausted its request budget.
func RateLimited(retryAfter time.Duration) AppError {
	return NewError(CodeRateLimited, http.StatusTooManyRequests, "too many requests", fmt.Sprintf("retry after %s", retryAfter)).
		WithMetadata("retry_after_seconds", int64(math.Ceil(retryAfter.Seconds())))
}

// Internal wraps an unexpected error.
func Internal(cause error) AppError {
	return NewError(CodeInternal, http.StatusInternalServerError, "internal server error", "").WithCause(cause)
}

// ================================================================================
// Helpers
// ================================================================================

// As extracts the AppError from an error chain.
func As(err error) (AppError, bool) {
	var appErr AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HTTPStatusOf returns the HTTP status for err, defaulting to 500.
func HTTPStatusOf(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// CodeOf returns the code for err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	if appErr, ok := As(err); ok {
		return appErr.Code()
	}
	return CodeInternal
}

// Is is a passthrough to the standard library for callers importing this package as errors.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
