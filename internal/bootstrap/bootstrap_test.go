package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/keystore/internal/application/dto"
	"github.com/turtacn/keystore/internal/config"
	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/infrastructure/persistence/postgres"
	"github.com/turtacn/keystore/internal/infrastructure/persistence/redis"
	"github.com/turtacn/keystore/internal/infrastructure/ratelimit"
	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
)

func baseConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Driver: config.StorageMemory},
		Tokens:  config.TokensConfig{AccessTTL: 60, RefreshTTL: 600},
		JWT:     config.JWTConfig{Source: config.SigningKeySourceConfig, SigningKey: "bootstrap-secret"},
		Log:     config.LogConfig{Level: "info"},
	}
}

func exercise(t *testing.T, app *App) {
	t.Helper()
	ctx := context.Background()
	key, err := app.Keys.Create(ctx, &dto.CreateKeyRequest{UserID: "u1", ClientID: "c1"})
	require.NoError(t, err)

	byToken, err := app.Keys.GetByAccessToken(ctx, key.AuthToken.Value)
	require.NoError(t, err)
	assert.True(t, key.Equal(byToken))

	token, err := app.Keys.GetJWT(ctx, models.Identity{UserID: "u1", ClientID: "c1"})
	require.NoError(t, err)
	decoded, err := app.Keys.DecodeJWT(ctx, token)
	require.NoError(t, err)
	assert.True(t, key.Equal(decoded))

	require.NoError(t, app.Keys.Revoke(ctx, key.Identity()))
	_, err = app.Keys.GetByAccessToken(ctx, key.AuthToken.Value)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	for _, hc := range app.Health {
		assert.NoError(t, hc.Check(ctx), hc.Name)
	}
}

func TestNew_Memory(t *testing.T) {
	app, err := New(context.Background(), baseConfig(), logger.NewNoopLogger())
	require.NoError(t, err)
	defer func() { assert.NoError(t, app.Close(context.Background())) }()

	assert.Empty(t, app.Health)
	assert.Nil(t, app.Limiter)
	exercise(t, app)
}

func TestNew_SQLiteWithCaches(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := baseConfig()
	cfg.Storage.Driver = config.StorageSQLite
	cfg.Database = config.DatabaseConfig{
		SQLitePath:   "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		AutoMigrate:  true,
	}
	cfg.Redis = config.RedisConfig{Enabled: true, Address: mr.Addr()}
	cfg.Cache = config.CacheConfig{Enabled: true}
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 10, Window: time.Minute}

	app, err := New(context.Background(), cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	defer func() { assert.NoError(t, app.Close(context.Background())) }()

	_, cached := app.Repo.(*redis.CachedKeyRepository)
	assert.True(t, cached)
	_, shared := app.Limiter.(*ratelimit.RedisRateLimiter)
	assert.True(t, shared)
	names := make([]string, 0, len(app.Health))
	for _, hc := range app.Health {
		names = append(names, hc.Name)
	}
	assert.ElementsMatch(t, []string{"database", "redis"}, names)
	exercise(t, app)
}

func TestNew_SQLiteWithoutCache(t *testing.T) {
	cfg := baseConfig()
	cfg.Storage.Driver = config.StorageSQLite
	cfg.Database = config.DatabaseConfig{
		SQLitePath:  "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		AutoMigrate: true,
	}
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 10, Window: time.Minute}

	app, err := New(context.Background(), cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	defer func() { assert.NoError(t, app.Close(context.Background())) }()

	_, direct := app.Repo.(*postgres.KeyRepositoryImpl)
	assert.True(t, direct)
	_, local := app.Limiter.(*ratelimit.LocalRateLimiter)
	assert.True(t, local)
	exercise(t, app)
}

func TestNew_Failures(t *testing.T) {
	t.Run("empty signing key", func(t *testing.T) {
		cfg := baseConfig()
		cfg.JWT.SigningKey = ""
		_, err := New(context.Background(), cfg, logger.NewNoopLogger())
		assert.True(t, errors.Is(err, errors.ErrBadParameter))
	})

	t.Run("unreachable redis", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Redis = config.RedisConfig{Enabled: true, Address: "127.0.0.1:1"}
		app, err := New(context.Background(), cfg, logger.NewNoopLogger())
		assert.Error(t, err)
		assert.Nil(t, app)
	})
}
