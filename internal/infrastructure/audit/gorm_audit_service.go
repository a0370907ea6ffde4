package audit

import (
	"context"
	"time"

	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/domain/service"
	"github.com/turtacn/keystore/pkg/constants"
	"gorm.io/gorm"
)

// auditRecord is the row layout of keystore_audit_events.
type auditRecord struct {
	EventID   string    `gorm:"primaryKey;size:64"`
	EventType string    `gorm:"size:64;index"`
	KeyID     string    `gorm:"size:512;index"`
	UserID    string    `gorm:"size:255"`
	ClientID  string    `gorm:"size:255"`
	Actor     string    `gorm:"size:255"`
	TraceID   string    `gorm:"size:64"`
	Result    string    `gorm:"size:16"`
	Message   string    `gorm:"type:text"`
	Timestamp time.Time `gorm:"index"`
}

func (auditRecord) TableName() string { return "keystore_audit_events" }

// GormAuditService provides a GORM-backed implementation of the AuditService.
// It stores audit events in a relational database.
type GormAuditService struct {
	db *gorm.DB
}

// NewGormAuditService creates and configures a new GormAuditService.
func NewGormAuditService(db *gorm.DB) *GormAuditService {
	return &GormAuditService{
		db: db,
	}
}

// AutoMigrate creates the audit table.
func (s *GormAuditService) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&auditRecord{})
}

// LogEvent saves an AuditEvent to the database.
func (s *GormAuditService) LogEvent(ctx context.Context, event models.AuditEvent) error {
	rec := auditRecord{
		EventID:   event.EventID,
		EventType: string(event.EventType),
		KeyID:     event.KeyID,
		UserID:    event.UserID,
		ClientID:  event.ClientID,
		Actor:     event.Actor,
		TraceID:   event.TraceID,
		Result:    event.Result,
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// ListByKey returns the events recorded for keyID, oldest first.
func (s *GormAuditService) ListByKey(ctx context.Context, keyID string) ([]models.AuditEvent, error) {
	var recs []auditRecord
	if err := s.db.WithContext(ctx).Where("key_id = ?", keyID).Order("timestamp ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]models.AuditEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, models.AuditEvent{
			EventID:   r.EventID,
			EventType: constants.AuditEventType(r.EventType),
			KeyID:     r.KeyID,
			UserID:    r.UserID,
			ClientID:  r.ClientID,
			Actor:     r.Actor,
			TraceID:   r.TraceID,
			Result:    r.Result,
			Message:   r.Message,
			Timestamp: r.Timestamp,
		})
	}
	return out, nil
}

var _ service.AuditService = (*GormAuditService)(nil)
