package service

import (
	"context"
	"time"

	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/domain/query"
	"github.com/turtacn/keystore/internal/domain/repository"
	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
)

// KeyLifecycleManager owns every creation and mutation of key records.
//
// Per identity a key moves Absent -> Active -> {AccessExpired, Dead}. Active is
// re-entered through Refresh. Dead keys are deleted on the read that finds them.
type KeyLifecycleManager interface {
	// Create mints a fresh token pair for the identity, replacing any existing
	// record while carrying its created timestamp forward.
	Create(ctx context.Context, identity models.Identity, scope []models.Resource, attributes map[string]string) (*models.Key, error)

	// CreateFromRecord stores record with the same replace semantics as Create,
	// taking tokens verbatim from the record.
	CreateFromRecord(ctx context.Context, record *models.Key) (*models.Key, error)

	// FindActive returns the key if its access token is alive.
	FindActive(ctx context.Context, identity models.Identity) (*models.Key, error)

	// FindActiveByAccessToken is FindActive addressed by access token value.
	FindActiveByAccessToken(ctx context.Context, value string) (*models.Key, error)

	// Refresh mints a new pair for a key whose refresh token is alive.
	Refresh(ctx context.Context, identity models.Identity) (*models.Key, error)

	// RefreshByToken is Refresh addressed by refresh token value.
	RefreshByToken(ctx context.Context, value string) (*models.Key, error)

	Revoke(ctx context.Context, identity models.Identity) error
	RevokeByToken(ctx context.Context, value string) error
	RevokeAllByUserID(ctx context.Context, userID string) (int, error)
	RevokeAllByClientID(ctx context.Context, clientID string) (int, error)
	RevokeAllByAgencyCode(ctx context.Context, agencyCode string) (int, error)
}

// LifecycleOption configures a KeyLifecycleManager.
type LifecycleOption func(*keyLifecycleManager)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) LifecycleOption {
	return func(m *keyLifecycleManager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAudit sets the audit sink.
func WithAudit(audit AuditService) LifecycleOption {
	return func(m *keyLifecycleManager) {
		if audit != nil {
			m.audit = audit
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) LifecycleOption {
	return func(m *keyLifecycleManager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

type keyLifecycleManager struct {
	repo    repository.KeyRepository
	tokens  TokenGenerator
	audit   AuditService
	metrics Metrics
	log     logger.Logger
	now     func() time.Time
}

// NewKeyLifecycleManager creates a KeyLifecycleManager over repo.
func NewKeyLifecycleManager(repo repository.KeyRepository, tokens TokenGenerator, log logger.Logger, opts ...LifecycleOption) KeyLifecycleManager {
	m := &keyLifecycleManager{
		repo:    repo,
		tokens:  tokens,
		audit:   NewNoopAuditService(),
		metrics: NewNoopMetrics(),
		log:     log.WithComponent("KeyLifecycleManager"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ================================================================================
// Create / Replace
// ================================================================================

func (m *keyLifecycleManager) Create(ctx context.Context, identity models.Identity, scope []models.Resource, attributes map[string]string) (key *models.Key, err error) {
	defer m.observe("create", time.Now(), &err)

	if err = identity.Validate(); err != nil {
		return nil, err
	}
	at := m.tokens.NewAccessToken(identity.UserID, scope)
	rt := m.tokens.NewRefreshToken(identity.UserID)
	return m.put(ctx, identity, at, &rt, attributes)
}

func (m *keyLifecycleManager) CreateFromRecord(ctx context.Context, record *models.Key) (key *models.Key, err error) {
	defer m.observe("create_from_record", time.Now(), &err)

	if record == nil {
		return nil, errors.MissingIdentity("no record supplied")
	}
	identity := record.Identity()
	if err = identity.Validate(); err != nil {
		return nil, err
	}
	return m.put(ctx, identity, record.AuthToken, record.RefToken, record.Attributes)
}

// put replaces whatever is stored under the identity with a new key built from
// the given parts. The replace is a single Upsert; the captured prior record is
// re-inserted only if a failed Upsert left it missing.
func (m *keyLifecycleManager) put(ctx context.Context, identity models.Identity, at models.AccessToken, rt *models.RefreshToken, attributes map[string]string) (*models.Key, error) {
	id := identity.ID()
	prior, err := m.repo.Get(ctx, id)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return nil, errors.AddFailure(id, err)
	}

	var created int64
	if prior != nil {
		created = prior.Created
	}
	key, err := models.NewKey(identity, at, rt, attributes, created, m.now())
	if err != nil {
		return nil, err
	}

	if err := m.repo.Upsert(ctx, key); err != nil {
		m.log.Error(ctx, "failed to store key", err, logger.KeyID(id))
		m.emit(ctx, constants.AuditEventKeyAddFailure, identity, constants.AuditResultFailure, err.Error())
		m.compensate(ctx, prior)
		return nil, errors.AddFailure(id, err)
	}

	if prior != nil {
		m.emit(ctx, constants.AuditEventKeyReplaced, identity, constants.AuditResultSuccess, "")
	} else {
		m.emit(ctx, constants.AuditEventKeyCreated, identity, constants.AuditResultSuccess, "")
	}
	m.log.Info(ctx, "key stored", logger.KeyID(id), logger.Bool("replaced", prior != nil))
	return key, nil
}

// compensate restores prior if it is no longer stored. It runs once; a failure
// here is logged and audited, never retried.
func (m *keyLifecycleManager) compensate(ctx context.Context, prior *models.Key) {
	if prior == nil {
		return
	}
	_, err := m.repo.Get(ctx, prior.ID)
	if err == nil {
		return
	}
	if errors.Is(err, errors.ErrNotFound) {
		err = m.repo.Insert(ctx, prior)
		if err == nil {
			m.log.Warn(ctx, "restored prior key after failed replace", logger.KeyID(prior.ID))
			return
		}
	}
	m.log.Error(ctx, "failed to restore prior key", err, logger.KeyID(prior.ID))
	m.emit(ctx, constants.AuditEventCompensationFailure, prior.Identity(), constants.AuditResultFailure, err.Error())
}

// ================================================================================
// Lookup
// ================================================================================

func (m *keyLifecycleManager) FindActive(ctx context.Context, identity models.Identity) (key *models.Key, err error) {
	defer m.observe("find_active", time.Now(), &err)

	if err = identity.Validate(); err != nil {
		return nil, err
	}
	key, err = m.repo.Get(ctx, identity.ID())
	if err != nil {
		return nil, err
	}
	return m.checkActive(ctx, key)
}

func (m *keyLifecycleManager) FindActiveByAccessToken(ctx context.Context, value string) (key *models.Key, err error) {
	defer m.observe("find_active_by_token", time.Now(), &err)

	key, err = m.repo.GetByAccessTokenValue(ctx, value)
	if err != nil {
		return nil, err
	}
	return m.checkActive(ctx, key)
}

// checkActive applies the read transitions: alive access returns the key,
// dead access with a live refresh is AccessExpired, anything else is Dead.
func (m *keyLifecycleManager) checkActive(ctx context.Context, key *models.Key) (*models.Key, error) {
	now := m.now()
	if !key.AuthToken.IsExpiredAt(now) {
		return key, nil
	}
	if key.RefreshValidAt(now) {
		return nil, errors.AccessExpired(key.ID)
	}
	return nil, m.removeDead(ctx, key)
}

func (m *keyLifecycleManager) removeDead(ctx context.Context, key *models.Key) error {
	expired := errors.Expired(key.ID)
	if err := m.repo.Remove(ctx, key); err != nil && !errors.Is(err, errors.ErrNotFound) {
		m.log.Error(ctx, "failed to remove expired key", err, logger.KeyID(key.ID))
		return expired.WithCause(err)
	}
	m.metrics.RecordExpiredRemoval()
	m.emit(ctx, constants.AuditEventKeyExpiredRemoved, key.Identity(), constants.AuditResultSuccess, "")
	m.log.Info(ctx, "removed expired key", logger.KeyID(key.ID))
	return expired
}

// ================================================================================
// Refresh
// ================================================================================

func (m *keyLifecycleManager) Refresh(ctx context.Context, identity models.Identity) (key *models.Key, err error) {
	defer m.observe("refresh", time.Now(), &err)

	if err = identity.Validate(); err != nil {
		return nil, err
	}
	key, err = m.repo.Get(ctx, identity.ID())
	if err != nil {
		return nil, err
	}
	return m.refresh(ctx, key)
}

func (m *keyLifecycleManager) RefreshByToken(ctx context.Context, value string) (key *models.Key, err error) {
	defer m.observe("refresh_by_token", time.Now(), &err)

	key, err = m.repo.GetByRefreshTokenValue(ctx, value)
	if err != nil {
		return nil, err
	}
	return m.refresh(ctx, key)
}

func (m *keyLifecycleManager) refresh(ctx context.Context, current *models.Key) (*models.Key, error) {
	now := m.now()
	refreshAlive := current.RefreshValidAt(now)
	if current.AuthToken.IsExpiredAt(now) && !refreshAlive {
		return nil, m.removeDead(ctx, current)
	}
	if !refreshAlive {
		return nil, errors.RefreshExpired(current.ID)
	}

	updated := current.Clone()
	updated.AuthToken = m.tokens.NewAccessToken(current.UserID, current.AuthToken.Scope)
	rt := m.tokens.NewRefreshToken(current.UserID)
	updated.RefToken = &rt
	updated.Modified = now.Unix()

	if err := m.repo.Upsert(ctx, updated); err != nil {
		m.log.Error(ctx, "failed to store refreshed key", err, logger.KeyID(current.ID))
		m.emit(ctx, constants.AuditEventKeyAddFailure, current.Identity(), constants.AuditResultFailure, err.Error())
		m.compensate(ctx, current)
		return nil, errors.AddFailure(current.ID, err)
	}
	m.emit(ctx, constants.AuditEventKeyRefreshed, current.Identity(), constants.AuditResultSuccess, "")
	return updated, nil
}

// ================================================================================
// Revoke
// ================================================================================

func (m *keyLifecycleManager) Revoke(ctx context.Context, identity models.Identity) (err error) {
	defer m.observe("revoke", time.Now(), &err)

	if err = identity.Validate(); err != nil {
		return err
	}
	key, err := m.repo.Get(ctx, identity.ID())
	if err != nil {
		return err
	}
	return m.remove(ctx, key)
}

func (m *keyLifecycleManager) RevokeByToken(ctx context.Context, value string) (err error) {
	defer m.observe("revoke_by_token", time.Now(), &err)

	key, err := m.repo.GetByAccessTokenValue(ctx, value)
	if err != nil {
		return err
	}
	return m.remove(ctx, key)
}

func (m *keyLifecycleManager) RevokeAllByUserID(ctx context.Context, userID string) (int, error) {
	return m.revokeAll(ctx, "revoke_all_by_user", query.FieldPath(query.FieldUserID), userID)
}

func (m *keyLifecycleManager) RevokeAllByClientID(ctx context.Context, clientID string) (int, error) {
	return m.revokeAll(ctx, "revoke_all_by_client", query.FieldPath(query.FieldClientID), clientID)
}

func (m *keyLifecycleManager) RevokeAllByAgencyCode(ctx context.Context, agencyCode string) (int, error) {
	return m.revokeAll(ctx, "revoke_all_by_agency", query.AttributePath(constants.AgencyCodeAttribute), agencyCode)
}

func (m *keyLifecycleManager) revokeAll(ctx context.Context, op string, path query.Path, value string) (n int, err error) {
	defer m.observe(op, time.Now(), &err)

	keys, err := m.repo.ListByField(ctx, path, value)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, errors.NotFound("no keys with " + path.String() + " = " + value)
	}
	for _, key := range keys {
		if err := m.remove(ctx, key); err != nil && !errors.Is(err, errors.ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *keyLifecycleManager) remove(ctx context.Context, key *models.Key) error {
	if err := m.repo.Remove(ctx, key); err != nil {
		return err
	}
	m.emit(ctx, constants.AuditEventKeyRevoked, key.Identity(), constants.AuditResultSuccess, "")
	m.log.Info(ctx, "key revoked", logger.KeyID(key.ID))
	return nil
}

// ================================================================================
// Helpers
// ================================================================================

func (m *keyLifecycleManager) emit(ctx context.Context, eventType constants.AuditEventType, identity models.Identity, result, message string) {
	event := models.NewAuditEvent(eventType, identity, result, message, m.now())
	if traceID, ok := ctx.Value(constants.ContextKeyTraceID).(string); ok {
		event.TraceID = traceID
	}
	if actor, ok := ctx.Value(constants.ContextKeyUser).(string); ok {
		event.Actor = actor
	}
	if err := m.audit.LogEvent(ctx, event); err != nil {
		m.log.Warn(ctx, "failed to publish audit event",
			logger.String("event_type", string(eventType)),
			logger.KeyID(identity.ID()),
			logger.Err(err))
	}
}

func (m *keyLifecycleManager) observe(op string, start time.Time, err *error) {
	result := constants.AuditResultSuccess
	if *err != nil {
		result = string(errors.CodeOf(*err))
	}
	m.metrics.RecordLifecycleOperation(op, result, time.Since(start))
}
