// Package constants defines system-wide constants for the keystore service.
// This package provides type-safe constant definitions used across all modules.
package constants

import "time"

// ================================================================================
// Token Constants
// ================================================================================

const (
	// TokenTypeBearer is the only token type issued for access tokens.
	TokenTypeBearer = "BEARER"

	// AccessTokenLifetime is how long a freshly minted access token stays valid.
	AccessTokenLifetime = 86400 * time.Second

	// RefreshTokenLifetime is how long a freshly minted refresh token stays valid.
	RefreshTokenLifetime = 604800 * time.Second

	// AccessTokenPrefix salts access token values.
	AccessTokenPrefix = "at"

	// RefreshTokenPrefix salts refresh token values.
	RefreshTokenPrefix = "ref"

	// TokenEntropyBytes is the number of random bytes mixed into every token value.
	TokenEntropyBytes = 16
)

// ================================================================================
// Identity Constants
// ================================================================================

// IdentitySeparator joins userId and clientId into the derived key id.
const IdentitySeparator = "__"

// AgencyCodeAttribute is the attribute key addressed by the agencyCode alias.
const AgencyCodeAttribute = "agencyCode"

// ================================================================================
// Claims Constants
// ================================================================================

// Claim names used by the signed compact representation of a key.
const (
	ClaimAuthTokenValue      = "authTokenValue"
	ClaimAuthTokenExpiration = "authTokenExpiration"
	ClaimAuthTokenScope      = "authTokenScope"
	ClaimAuthTokenType       = "authTokenType"
	ClaimAuthTokenExpired    = "authTokenExpired"
	ClaimRefTokenValue       = "refTokenValue"
	ClaimRefTokenExpiration  = "refTokenExpiration"
	ClaimRefTokenExpired     = "refTokenExpired"
	ClaimUserID              = "userId"
	ClaimClientID            = "clientId"
	ClaimAttributes          = "attributes"
	ClaimCreated             = "created"
	ClaimModified            = "modified"
)

const (
	// EnvelopeIssuedAt is the fixed iat written on every encoded key.
	EnvelopeIssuedAt int64 = 1600000000

	// EnvelopeExpiresAt is the fixed exp written on every encoded key.
	// The envelope carries no freshness of its own; the payload tokens do.
	EnvelopeExpiresAt int64 = 4102444800
)

// ================================================================================
// Paging Constants
// ================================================================================

const (
	DefaultPage     = 0
	DefaultPageSize = 20
)

// ================================================================================
// Context Keys
// ================================================================================

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	// ContextKeyTraceID is the context key for the request trace ID.
	ContextKeyTraceID ContextKey = "trace_id"

	// ContextKeyRequestID is the context key for the request ID.
	ContextKeyRequestID ContextKey = "request_id"

	// ContextKeyUser is the context key for the authenticated management user.
	ContextKeyUser ContextKey = "management_user"
)

// ================================================================================
// HTTP Header Constants
// ================================================================================

const (
	HeaderRequestID          = "X-Request-ID"
	HeaderTraceID            = "X-Trace-ID"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRetryAfter         = "Retry-After"
)

// ================================================================================
// Service Defaults
// ================================================================================

const (
	ServiceName    = "keystore"
	ServiceVersion = "1.0.0"

	DefaultHTTPPort     = 8080
	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 15 * time.Second
	ShutdownTimeout     = 30 * time.Second

	DefaultRedisIndexTTL = 24 * time.Hour
	DefaultL1CacheTTL    = 5 * time.Minute

	RedisKeyPrefixAccessIndex  = "keystore:at:"
	RedisKeyPrefixRefreshIndex = "keystore:ref:"
	RedisKeyPrefixRateLimit    = "keystore:ratelimit:"

	DefaultRateLimitRequests = 600
	DefaultRateLimitWindow   = time.Minute
)

// ================================================================================
// Audit Event Types
// ================================================================================

// AuditEventType names a lifecycle transition recorded in the audit trail.
type AuditEventType string

const (
	AuditEventKeyCreated          AuditEventType = "key.created"
	AuditEventKeyReplaced         AuditEventType = "key.replaced"
	AuditEventKeyRefreshed        AuditEventType = "key.refreshed"
	AuditEventKeyRevoked          AuditEventType = "key.revoked"
	AuditEventKeyExpiredRemoved   AuditEventType = "key.expired_removed"
	AuditEventKeyAddFailure       AuditEventType = "key.add_failure"
	AuditEventCompensationFailure AuditEventType = "key.compensation_failure"
)

// Audit results.
const (
	AuditResultSuccess = "success"
	AuditResultFailure = "failure"
)
