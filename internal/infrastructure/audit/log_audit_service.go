package audit

import (
	"context"

	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/domain/service"
	"github.com/turtacn/keystore/pkg/logger"
)

// LogAuditService writes audit events to the service log. It is the fallback
// sink when neither Kafka nor a SQL store is configured.
type LogAuditService struct {
	logger logger.Logger
}

func NewLogAuditService(log logger.Logger) *LogAuditService {
	return &LogAuditService{logger: log.WithComponent("Audit")}
}

func (s *LogAuditService) LogEvent(ctx context.Context, event models.AuditEvent) error {
	s.logger.Info(ctx, "audit event",
		logger.String("event_id", event.EventID),
		logger.String("event_type", string(event.EventType)),
		logger.KeyID(event.KeyID),
		logger.String("actor", event.Actor),
		logger.String("result", event.Result),
		logger.String("message", event.Message),
	)
	return nil
}

var _ service.AuditService = (*LogAuditService)(nil)
