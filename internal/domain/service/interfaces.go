package service

import (
	"context"
	"time"

	"github.com/turtacn/keystore/internal/domain/models"
)

//go:generate mockery --name AuditService --output mocks --outpkg mocks
// AuditService records key lifecycle transitions.
// AuditService 记录密钥生命周期的状态转换事件。
type AuditService interface {
	// LogEvent publishes one audit event. Failures are reported to the caller,
	// which logs them without failing the lifecycle operation.
	// LogEvent 发布一条审计事件。
	LogEvent(ctx context.Context, event models.AuditEvent) error
}

// Metrics defines the interface for collecting business metrics.
// This abstraction allows the domain to remain independent of the specific monitoring implementation (e.g., Prometheus).
// Metrics 定义了收集业务指标的接口。
type Metrics interface {
	// RecordLifecycleOperation records the outcome and latency of a lifecycle operation.
	// RecordLifecycleOperation 记录生命周期操作的结果与耗时。
	RecordLifecycleOperation(operation, result string, duration time.Duration)

	// RecordExpiredRemoval records a key deleted because both tokens were dead.
	// RecordExpiredRemoval 记录因令牌全部过期而被删除的密钥。
	RecordExpiredRemoval()

	// RecordQuery records a compiled query and its outcome.
	// RecordQuery 记录一次查询及其结果。
	RecordQuery(result string, duration time.Duration)

	// RecordCacheAccess records a cache hit or miss.
	// RecordCacheAccess 记录缓存命中或未命中。
	RecordCacheAccess(layer string, hit bool)
}

type noopMetrics struct{}

// NewNoopMetrics returns a Metrics that records nothing.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) RecordLifecycleOperation(string, string, time.Duration) {}
func (noopMetrics) RecordExpiredRemoval()                                  {}
func (noopMetrics) RecordQuery(string, time.Duration)                      {}
func (noopMetrics) RecordCacheAccess(string, bool)                         {}

type noopAudit struct{}

// NewNoopAuditService returns an AuditService that discards events.
func NewNoopAuditService() AuditService { return noopAudit{} }

func (noopAudit) LogEvent(context.Context, models.AuditEvent) error { return nil }

// SigningKeyProvider supplies the HMAC secret used to sign compact key tokens.
// SigningKeyProvider 提供签名密钥令牌所用的 HMAC 密钥。
type SigningKeyProvider interface {
	// SigningKey returns the current secret. It never returns an empty key
	// without an error.
	// SigningKey 返回当前密钥。
	SigningKey(ctx context.Context) ([]byte, error)
}
