// Package logger provides the structured logging contract for the keystore service.
// Implementations live in internal/infrastructure/monitoring; tests use NewNoopLogger.
package logger

import (
	"context"
	"strings"
	"time"
)

// ================================================================================
// Logger Interface
// ================================================================================

// Logger is the structured logging contract. ctx carries trace and request
// ids that implementations attach to every entry.
type Logger interface {
	Debug(ctx context.Context, message string, fields ...Field)
	Info(ctx context.Context, message string, fields ...Field)
	Warn(ctx context.Context, message string, fields ...Field)

	// Error and Fatal record err under the "error" key. Fatal exits the process.
	Error(ctx context.Context, message string, err error, fields ...Field)
	Fatal(ctx context.Context, message string, err error, fields ...Field)

	// WithFields returns a child logger that adds fields to every entry.
	WithFields(fields ...Field) Logger

	// WithComponent returns a child logger tagged with component.
	WithComponent(component string) Logger
}

// ================================================================================
// Field Type for Structured Logging
// ================================================================================

// Field is one key-value pair of a log entry.
type Field struct {
	Key   string
	Value interface{}
}

func String(key string, value string) Field          { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field            { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field        { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field              { return Field{Key: key, Value: value} }
func Any(key string, value interface{}) Field        { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// KeyID names the key record an entry is about.
func KeyID(id string) Field {
	return Field{Key: "key_id", Value: id}
}

// Err records a non-fatal error on Warn or Debug entries.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// ================================================================================
// Sanitization
// ================================================================================

var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"signing",
	"authorization",
}

// Sanitize masks values of fields whose key names a credential.
// Token values are bearer credentials and must never reach the log verbatim.
func Sanitize(key string, value interface{}) interface{} {
	keyLower := strings.ToLower(key)
	for _, sensitiveKey := range sensitiveKeys {
		if strings.Contains(keyLower, sensitiveKey) {
			if str, ok := value.(string); ok && len(str) > 0 {
				return maskString(str)
			}
			return "***REDACTED***"
		}
	}
	return value
}

// maskString partially masks a string value
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}
