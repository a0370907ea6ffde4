package redis

import (
	"context"
	stderrors "errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/domain/query"
	"github.com/turtacn/keystore/internal/domain/repository"
	"github.com/turtacn/keystore/internal/domain/service"
	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/logger"
)

// Cache layers reported to metrics.
const (
	LayerL1    = "l1"
	LayerRedis = "redis"
)

// CachedKeyRepository decorates a KeyRepository with two read caches:
//   - L1, an in-process go-cache of records by id
//   - a Redis index from token value to key id
//
// Index entries are hints. A hit is always confirmed against the record, so
// an entry left behind by a replaced token only costs one extra lookup.
// The underlying repository stays the source of truth; cache failures are
// logged and the call falls through.
type CachedKeyRepository struct {
	inner    repository.KeyRepository
	l1       *gocache.Cache
	rdb      redis.UniversalClient
	indexTTL time.Duration
	metrics  service.Metrics
	logger   logger.Logger
}

// Option configures a CachedKeyRepository.
type Option func(*CachedKeyRepository)

// WithL1 enables the in-process record cache with ttl.
func WithL1(ttl time.Duration) Option {
	return func(r *CachedKeyRepository) {
		if ttl <= 0 {
			ttl = constants.DefaultL1CacheTTL
		}
		r.l1 = gocache.New(ttl, 2*ttl)
	}
}

// WithRedisIndex enables the token index on client.
func WithRedisIndex(client redis.UniversalClient, ttl time.Duration) Option {
	return func(r *CachedKeyRepository) {
		if ttl <= 0 {
			ttl = constants.DefaultRedisIndexTTL
		}
		r.rdb = client
		r.indexTTL = ttl
	}
}

// WithMetrics reports cache hits and misses to m.
func WithMetrics(m service.Metrics) Option {
	return func(r *CachedKeyRepository) { r.metrics = m }
}

// NewCachedKeyRepository wraps inner. Without options it is a passthrough.
func NewCachedKeyRepository(inner repository.KeyRepository, log logger.Logger, opts ...Option) *CachedKeyRepository {
	r := &CachedKeyRepository{
		inner:   inner,
		metrics: service.NewNoopMetrics(),
		logger:  log.WithComponent("CachedKeyRepository"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func accessIndexKey(value string) string  { return constants.RedisKeyPrefixAccessIndex + value }
func refreshIndexKey(value string) string { return constants.RedisKeyPrefixRefreshIndex + value }

func (r *CachedKeyRepository) Get(ctx context.Context, id string) (*models.Key, error) {
	if r.l1 != nil {
		if v, ok := r.l1.Get(id); ok {
			r.metrics.RecordCacheAccess(LayerL1, true)
			return v.(*models.Key).Clone(), nil
		}
		r.metrics.RecordCacheAccess(LayerL1, false)
	}
	k, err := r.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.remember(k)
	return k, nil
}

func (r *CachedKeyRepository) GetByAccessTokenValue(ctx context.Context, value string) (*models.Key, error) {
	return r.getByToken(ctx, accessIndexKey(value), value,
		func(k *models.Key) bool { return k.AuthToken.Value == value },
		r.inner.GetByAccessTokenValue)
}

func (r *CachedKeyRepository) GetByRefreshTokenValue(ctx context.Context, value string) (*models.Key, error) {
	return r.getByToken(ctx, refreshIndexKey(value), value,
		func(k *models.Key) bool { return k.RefToken != nil && k.RefToken.Value == value },
		r.inner.GetByRefreshTokenValue)
}

func (r *CachedKeyRepository) getByToken(
	ctx context.Context,
	indexKey, value string,
	holds func(*models.Key) bool,
	load func(context.Context, string) (*models.Key, error),
) (*models.Key, error) {
	if r.rdb != nil {
		id, err := r.rdb.Get(ctx, indexKey).Result()
		switch {
		case err == nil:
			if k, err := r.Get(ctx, id); err == nil && holds(k) {
				r.metrics.RecordCacheAccess(LayerRedis, true)
				return k, nil
			}
			r.forget(ctx, id, indexKey)
			r.metrics.RecordCacheAccess(LayerRedis, false)
		case stderrors.Is(err, redis.Nil):
			r.metrics.RecordCacheAccess(LayerRedis, false)
		default:
			r.logger.Warn(ctx, "redis index lookup failed", logger.Err(err))
		}
	}

	k, err := load(ctx, value)
	if err != nil {
		return nil, err
	}
	r.remember(k)
	r.index(ctx, k)
	return k, nil
}

func (r *CachedKeyRepository) Insert(ctx context.Context, key *models.Key) error {
	if err := r.inner.Insert(ctx, key); err != nil {
		return err
	}
	r.invalidate(key.ID)
	r.index(ctx, key)
	return nil
}

func (r *CachedKeyRepository) Upsert(ctx context.Context, key *models.Key) error {
	// Drop the cached copy first so a failed write cannot leave it serving.
	r.invalidate(key.ID)
	if err := r.inner.Upsert(ctx, key); err != nil {
		return err
	}
	r.index(ctx, key)
	return nil
}

func (r *CachedKeyRepository) Remove(ctx context.Context, key *models.Key) error {
	r.invalidate(key.ID)
	if err := r.inner.Remove(ctx, key); err != nil {
		return err
	}
	if r.rdb != nil {
		keys := []string{accessIndexKey(key.AuthToken.Value)}
		if key.RefToken != nil {
			keys = append(keys, refreshIndexKey(key.RefToken.Value))
		}
		if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
			r.logger.Warn(ctx, "redis index cleanup failed", logger.KeyID(key.ID), logger.Err(err))
		}
	}
	return nil
}

// Query is not cached.
func (r *CachedKeyRepository) Query(ctx context.Context, pred query.Predicate, ordering []query.Order, page, size int) (*repository.Page, error) {
	return r.inner.Query(ctx, pred, ordering, page, size)
}

// ListByField is not cached.
func (r *CachedKeyRepository) ListByField(ctx context.Context, path query.Path, value string) ([]*models.Key, error) {
	return r.inner.ListByField(ctx, path, value)
}

func (r *CachedKeyRepository) remember(k *models.Key) {
	if r.l1 != nil {
		r.l1.SetDefault(k.ID, k.Clone())
	}
}

func (r *CachedKeyRepository) invalidate(id string) {
	if r.l1 != nil {
		r.l1.Delete(id)
	}
}

func (r *CachedKeyRepository) index(ctx context.Context, k *models.Key) {
	if r.rdb == nil {
		return
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, accessIndexKey(k.AuthToken.Value), k.ID, r.indexTTL)
	if k.RefToken != nil {
		pipe.Set(ctx, refreshIndexKey(k.RefToken.Value), k.ID, r.indexTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn(ctx, "redis index update failed", logger.KeyID(k.ID), logger.Err(err))
	}
}

func (r *CachedKeyRepository) forget(ctx context.Context, id, indexKey string) {
	r.invalidate(id)
	if err := r.rdb.Del(ctx, indexKey).Err(); err != nil {
		r.logger.Warn(ctx, "redis index cleanup failed", logger.KeyID(id), logger.Err(err))
	}
}

var _ repository.KeyRepository = (*CachedKeyRepository)(nil)
