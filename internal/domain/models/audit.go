package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/keystore/pkg/constants"
)

// AuditEvent records one key lifecycle transition.
type AuditEvent struct {
	EventID   string                   `json:"event_id"`
	EventType constants.AuditEventType `json:"event_type"`
	KeyID     string                   `json:"key_id"`
	UserID    string                   `json:"user_id"`
	ClientID  string                   `json:"client_id"`
	Actor     string                   `json:"actor,omitempty"`
	TraceID   string                   `json:"trace_id,omitempty"`
	Result    string                   `json:"result"`
	Message   string                   `json:"message,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// NewAuditEvent creates an audit event for the identity at now.
func NewAuditEvent(eventType constants.AuditEventType, identity Identity, result, message string, now time.Time) AuditEvent {
	return AuditEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		KeyID:     identity.ID(),
		UserID:    identity.UserID,
		ClientID:  identity.ClientID,
		Result:    result,
		Message:   message,
		Timestamp: now.UTC(),
	}
}
