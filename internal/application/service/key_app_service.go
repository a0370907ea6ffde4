// Package service provides application-level services that orchestrate domain services and repositories
package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/keystore/internal/application/dto"
	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/domain/query"
	"github.com/turtacn/keystore/internal/domain/repository"
	domainService "github.com/turtacn/keystore/internal/domain/service"
	"github.com/turtacn/keystore/internal/infrastructure/crypto"
	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
)

// KeyAppService is the use-case facade shared by the HTTP handlers and the admin CLI.
// KeyAppService 是 HTTP 处理器与管理命令行共用的用例门面。
type KeyAppService interface {
	// Create mints a fresh key for the request identity.
	Create(ctx context.Context, req *dto.CreateKeyRequest) (*models.Key, error)

	// CreateFromRecord stores an already formed record.
	CreateFromRecord(ctx context.Context, record *models.Key) (*models.Key, error)

	// CreateFromJWT decodes a signed key token and stores the record it carries.
	CreateFromJWT(ctx context.Context, token string) (*models.Key, error)

	Get(ctx context.Context, identity models.Identity) (*models.Key, error)
	GetByAccessToken(ctx context.Context, value string) (*models.Key, error)

	// GetJWT returns the active key of identity as a signed token.
	GetJWT(ctx context.Context, identity models.Identity) (string, error)
	GetJWTByAccessToken(ctx context.Context, value string) (string, error)

	// Authenticate succeeds when value is the access token of an active key.
	Authenticate(ctx context.Context, value string) error

	Refresh(ctx context.Context, identity models.Identity) (*models.Key, error)
	RefreshByToken(ctx context.Context, value string) (*models.Key, error)

	Revoke(ctx context.Context, identity models.Identity) error
	RevokeByToken(ctx context.Context, value string) error
	RevokeAllByUserID(ctx context.Context, userID string) (int, error)
	RevokeAllByClientID(ctx context.Context, clientID string) (int, error)
	RevokeAllByAgencyCode(ctx context.Context, agencyCode string) (int, error)

	// Query compiles params into a filter, ordering, page and projection.
	Query(ctx context.Context, params map[string]string) (*dto.KeyPageResponse, error)
	QueryByUserID(ctx context.Context, userID string, params map[string]string) (*dto.KeyPageResponse, error)
	QueryByClientID(ctx context.Context, clientID string, params map[string]string) (*dto.KeyPageResponse, error)
	QueryByAgencyCode(ctx context.Context, agencyCode string, params map[string]string) (*dto.KeyPageResponse, error)

	// EncodeJWT signs key without storing it.
	EncodeJWT(ctx context.Context, key *models.Key) (string, error)

	// DecodeJWT verifies token and returns the record it carries without storing it.
	DecodeJWT(ctx context.Context, token string) (*models.Key, error)
}

// Option configures the KeyAppService.
type Option func(*keyAppServiceImpl)

// WithTracer sets the tracer used for use-case spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *keyAppServiceImpl) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithMetrics sets the metrics sink for queries.
func WithMetrics(metrics domainService.Metrics) Option {
	return func(s *keyAppServiceImpl) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithClock overrides the wall clock used for projection of expired flags.
func WithClock(now func() time.Time) Option {
	return func(s *keyAppServiceImpl) {
		if now != nil {
			s.now = now
		}
	}
}

// keyAppServiceImpl is the concrete implementation of KeyAppService
type keyAppServiceImpl struct {
	lifecycle domainService.KeyLifecycleManager
	repo      repository.KeyRepository
	compiler  *query.Compiler
	codec     *crypto.ClaimsCodec
	keys      domainService.SigningKeyProvider
	metrics   domainService.Metrics
	tracer    trace.Tracer
	logger    logger.Logger
	now       func() time.Time
}

// NewKeyAppService creates a new instance of KeyAppService
func NewKeyAppService(
	lifecycle domainService.KeyLifecycleManager,
	repo repository.KeyRepository,
	compiler *query.Compiler,
	codec *crypto.ClaimsCodec,
	keys domainService.SigningKeyProvider,
	log logger.Logger,
	opts ...Option,
) KeyAppService {
	s := &keyAppServiceImpl{
		lifecycle: lifecycle,
		repo:      repo,
		compiler:  compiler,
		codec:     codec,
		keys:      keys,
		metrics:   domainService.NewNoopMetrics(),
		tracer:    otel.Tracer(constants.ServiceName),
		logger:    log.WithComponent("KeyAppService"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ================================================================================
// Create
// ================================================================================

func (s *keyAppServiceImpl) Create(ctx context.Context, req *dto.CreateKeyRequest) (key *models.Key, err error) {
	ctx, span := s.start(ctx, "KeyAppService.Create")
	defer func() { s.end(span, err) }()

	if req == nil {
		return nil, errors.MissingIdentity("empty request")
	}
	span.SetAttributes(attribute.String("key.id", req.Identity().ID()))
	return s.lifecycle.Create(ctx, req.Identity(), req.Scope, req.Attributes)
}

func (s *keyAppServiceImpl) CreateFromRecord(ctx context.Context, record *models.Key) (key *models.Key, err error) {
	ctx, span := s.start(ctx, "KeyAppService.CreateFromRecord")
	defer func() { s.end(span, err) }()

	return s.lifecycle.CreateFromRecord(ctx, record)
}

func (s *keyAppServiceImpl) CreateFromJWT(ctx context.Context, token string) (key *models.Key, err error) {
	ctx, span := s.start(ctx, "KeyAppService.CreateFromJWT")
	defer func() { s.end(span, err) }()

	record, err := s.decode(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.lifecycle.CreateFromRecord(ctx, record)
}

// ================================================================================
// Lookup
// ================================================================================

func (s *keyAppServiceImpl) Get(ctx context.Context, identity models.Identity) (key *models.Key, err error) {
	ctx, span := s.start(ctx, "KeyAppService.Get", attribute.String("key.id", identity.ID()))
	defer func() { s.end(span, err) }()

	return s.lifecycle.FindActive(ctx, identity)
}

func (s *keyAppServiceImpl) GetByAccessToken(ctx context.Context, value string) (key *models.Key, err error) {
	ctx, span := s.start(ctx, "KeyAppService.GetByAccessToken")
	defer func() { s.end(span, err) }()

	return s.lifecycle.FindActiveByAccessToken(ctx, value)
}

func (s *keyAppServiceImpl) GetJWT(ctx context.Context, identity models.Identity) (token string, err error) {
	ctx, span := s.start(ctx, "KeyAppService.GetJWT", attribute.String("key.id", identity.ID()))
	defer func() { s.end(span, err) }()

	key, err := s.lifecycle.FindActive(ctx, identity)
	if err != nil {
		return "", err
	}
	return s.encodeChecked(ctx, key)
}

func (s *keyAppServiceImpl) GetJWTByAccessToken(ctx context.Context, value string) (token string, err error) {
	ctx, span := s.start(ctx, "KeyAppService.GetJWTByAccessToken")
	defer func() { s.end(span, err) }()

	key, err := s.lifecycle.FindActiveByAccessToken(ctx, value)
	if err != nil {
		return "", err
	}
	return s.encodeChecked(ctx, key)
}

func (s *keyAppServiceImpl) Authenticate(ctx context.Context, value string) (err error) {
	ctx, span := s.start(ctx, "KeyAppService.Authenticate")
	defer func() { s.end(span, err) }()

	_, err = s.lifecycle.FindActiveByAccessToken(ctx, value)
	return err
}

// ================================================================================
// Refresh / Revoke
// ================================================================================

func (s *keyAppServiceImpl) Refresh(ctx context.Context, identity models.Identity) (key *models.Key, err error) {
	ctx, span := s.start(ctx, "KeyAppService.Refresh", attribute.String("key.id", identity.ID()))
	defer func() { s.end(span, err) }()

	return s.lifecycle.Refresh(ctx, identity)
}

func (s *keyAppServiceImpl) RefreshByToken(ctx context.Context, value string) (key *models.Key, err error) {
	ctx, span := s.start(ctx, "KeyAppService.RefreshByToken")
	defer func() { s.end(span, err) }()

	return s.lifecycle.RefreshByToken(ctx, value)
}

func (s *keyAppServiceImpl) Revoke(ctx context.Context, identity models.Identity) (err error) {
	ctx, span := s.start(ctx, "KeyAppService.Revoke", attribute.String("key.id", identity.ID()))
	defer func() { s.end(span, err) }()

	return s.lifecycle.Revoke(ctx, identity)
}

func (s *keyAppServiceImpl) RevokeByToken(ctx context.Context, value string) (err error) {
	ctx, span := s.start(ctx, "KeyAppService.RevokeByToken")
	defer func() { s.end(span, err) }()

	return s.lifecycle.RevokeByToken(ctx, value)
}

func (s *keyAppServiceImpl) RevokeAllByUserID(ctx context.Context, userID string) (n int, err error) {
	ctx, span := s.start(ctx, "KeyAppService.RevokeAllByUserID", attribute.String("key.user_id", userID))
	defer func() { s.end(span, err) }()

	return s.lifecycle.RevokeAllByUserID(ctx, userID)
}

func (s *keyAppServiceImpl) RevokeAllByClientID(ctx context.Context, clientID string) (n int, err error) {
	ctx, span := s.start(ctx, "KeyAppService.RevokeAllByClientID", attribute.String("key.client_id", clientID))
	defer func() { s.end(span, err) }()

	return s.lifecycle.RevokeAllByClientID(ctx, clientID)
}

func (s *keyAppServiceImpl) RevokeAllByAgencyCode(ctx context.Context, agencyCode string) (n int, err error) {
	ctx, span := s.start(ctx, "KeyAppService.RevokeAllByAgencyCode", attribute.String("key.agency_code", agencyCode))
	defer func() { s.end(span, err) }()

	return s.lifecycle.RevokeAllByAgencyCode(ctx, agencyCode)
}

// ================================================================================
// Query
// ================================================================================

func (s *keyAppServiceImpl) Query(ctx context.Context, params map[string]string) (*dto.KeyPageResponse, error) {
	return s.query(ctx, nil, params)
}

func (s *keyAppServiceImpl) QueryByUserID(ctx context.Context, userID string, params map[string]string) (*dto.KeyPageResponse, error) {
	return s.query(ctx, query.Eq(query.FieldPath(query.FieldUserID), query.StringValue(userID)), params)
}

func (s *keyAppServiceImpl) QueryByClientID(ctx context.Context, clientID string, params map[string]string) (*dto.KeyPageResponse, error) {
	return s.query(ctx, query.Eq(query.FieldPath(query.FieldClientID), query.StringValue(clientID)), params)
}

func (s *keyAppServiceImpl) QueryByAgencyCode(ctx context.Context, agencyCode string, params map[string]string) (*dto.KeyPageResponse, error) {
	return s.query(ctx, query.Eq(query.AttributePath(constants.AgencyCodeAttribute), query.StringValue(agencyCode)), params)
}

// query runs the compiled params, conjoined with constraint when one is given.
func (s *keyAppServiceImpl) query(ctx context.Context, constraint query.Predicate, params map[string]string) (resp *dto.KeyPageResponse, err error) {
	ctx, span := s.start(ctx, "KeyAppService.Query")
	start := time.Now()
	defer func() {
		result := constants.AuditResultSuccess
		if err != nil {
			result = string(errors.CodeOf(err))
		}
		s.metrics.RecordQuery(result, time.Since(start))
		s.end(span, err)
	}()

	pred, err := s.compiler.Compile(params)
	if err != nil {
		return nil, err
	}
	if constraint != nil {
		pred = query.Conjoin(constraint, pred)
	}
	spec, err := s.compiler.CompilePage(params)
	if err != nil {
		return nil, err
	}
	fields, err := dto.ParseFields(params[query.ParamFields])
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("query.predicate", pred.String()),
		attribute.Int("query.page", spec.Page),
		attribute.Int("query.size", spec.Size),
	)
	page, err := s.repo.Query(ctx, pred, spec.Ordering, spec.Page, spec.Size)
	if err != nil {
		s.logger.Error(ctx, "key query failed", err, logger.String("predicate", pred.String()))
		return nil, err
	}

	now := s.now()
	items := make([]interface{}, 0, len(page.Items))
	for _, k := range page.Items {
		items = append(items, dto.Project(k, fields, now))
	}
	s.logger.Debug(ctx, "key query served",
		logger.String("predicate", pred.String()),
		logger.Int64("total", page.Total),
		logger.Int("returned", len(items)))
	return &dto.KeyPageResponse{Items: items, Pagination: dto.NewPagination(page)}, nil
}

// ================================================================================
// Claims
// ================================================================================

func (s *keyAppServiceImpl) EncodeJWT(ctx context.Context, key *models.Key) (token string, err error) {
	ctx, span := s.start(ctx, "KeyAppService.EncodeJWT")
	defer func() { s.end(span, err) }()

	return s.encodeChecked(ctx, key)
}

func (s *keyAppServiceImpl) DecodeJWT(ctx context.Context, token string) (key *models.Key, err error) {
	ctx, span := s.start(ctx, "KeyAppService.DecodeJWT")
	defer func() { s.end(span, err) }()

	return s.decode(ctx, token)
}

// encodeChecked signs key and decodes the result again; the served token must
// carry jti equal to the record's userId.
func (s *keyAppServiceImpl) encodeChecked(ctx context.Context, key *models.Key) (string, error) {
	secret, err := s.keys.SigningKey(ctx)
	if err != nil {
		return "", err
	}
	token, err := s.codec.Encode(key, secret)
	if err != nil {
		return "", err
	}
	claims, err := s.codec.DecodeClaims(token, secret)
	if err != nil {
		return "", err
	}
	if claims.ID != key.UserID {
		s.logger.Warn(ctx, "encoded key token failed self-check", logger.KeyID(key.ID))
		return "", errors.ClaimsParsingFailure("token subject does not match key "+key.ID, nil)
	}
	return token, nil
}

func (s *keyAppServiceImpl) decode(ctx context.Context, token string) (*models.Key, error) {
	secret, err := s.keys.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	key, err := s.codec.Decode(token, secret)
	if err != nil {
		s.logger.Warn(ctx, "rejected key token", logger.String("code", string(errors.CodeOf(err))))
		return nil, err
	}
	return key, nil
}

// ================================================================================
// Tracing helpers
// ================================================================================

func (s *keyAppServiceImpl) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *keyAppServiceImpl) end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.code", string(errors.CodeOf(err))))
	}
	span.End()
}
