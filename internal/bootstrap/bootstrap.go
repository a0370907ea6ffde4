// Package bootstrap wires the keystore object graph from configuration.
// Both the HTTP server and the admin CLI are built on it.
package bootstrap

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	appService "github.com/turtacn/keystore/internal/application/service"
	"github.com/turtacn/keystore/internal/config"
	"github.com/turtacn/keystore/internal/domain/query"
	"github.com/turtacn/keystore/internal/domain/repository"
	domainService "github.com/turtacn/keystore/internal/domain/service"
	"github.com/turtacn/keystore/internal/infrastructure/audit"
	"github.com/turtacn/keystore/internal/infrastructure/consumers"
	"github.com/turtacn/keystore/internal/infrastructure/crypto"
	"github.com/turtacn/keystore/internal/infrastructure/kms"
	"github.com/turtacn/keystore/internal/infrastructure/monitoring"
	"github.com/turtacn/keystore/internal/infrastructure/persistence/memory"
	"github.com/turtacn/keystore/internal/infrastructure/persistence/postgres"
	"github.com/turtacn/keystore/internal/infrastructure/persistence/redis"
	"github.com/turtacn/keystore/internal/infrastructure/ratelimit"
	"github.com/turtacn/keystore/internal/interfaces/http/handlers"
	"github.com/turtacn/keystore/internal/interfaces/http/middleware"
	"github.com/turtacn/keystore/pkg/logger"
)

// App is the assembled service graph.
type App struct {
	Config   *config.Config
	Logger   logger.Logger
	Registry *prometheus.Registry
	Metrics  *monitoring.Metrics
	Tracing  *monitoring.TracingManager
	Signing  domainService.SigningKeyProvider
	Repo     repository.KeyRepository
	Keys     appService.KeyAppService
	Health   []handlers.HealthCheck

	// Limiter is nil unless rate_limit.enabled is set.
	Limiter middleware.RateLimiter

	// Revocations is nil unless kafka.revocation_topic is set. The caller runs it.
	Revocations *consumers.RevocationConsumer

	redisClient goredis.UniversalClient
	closers     []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// New builds the graph for cfg. On error every resource opened so far is
// released before returning.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (app *App, err error) {
	app = &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
			app = nil
		}
	}()

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = monitoring.NewMetrics(app.Registry)

	if app.Tracing, err = monitoring.NewTracingManager(&cfg.Tracing, log); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	app.onClose("tracing", app.Tracing.Shutdown)

	if app.Signing, err = buildSigningKeys(app, cfg, log); err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	store, db, err := buildStore(ctx, app, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if app.Repo, err = buildCache(ctx, app, cfg, store, log); err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	if cfg.RateLimit.Enabled {
		if app.Limiter, err = buildLimiter(app, cfg, log); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	sink, err := buildAudit(ctx, app, cfg, db, log)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	tokens := domainService.NewTokenGenerator(cfg.Tokens.AccessLifetime(), cfg.Tokens.RefreshLifetime(), nil)
	lifecycle := domainService.NewKeyLifecycleManager(app.Repo, tokens, log,
		domainService.WithAudit(sink),
		domainService.WithMetrics(app.Metrics))
	app.Keys = appService.NewKeyAppService(lifecycle, app.Repo, query.NewCompiler(nil), crypto.NewClaimsCodec(nil), app.Signing, log,
		appService.WithMetrics(app.Metrics),
		appService.WithTracer(app.Tracing.Tracer()))

	if cfg.Kafka.RevocationEnabled() {
		app.Revocations = consumers.NewRevocationConsumer(cfg.Kafka, app.Keys, log)
		app.onClose("revocation consumer", func(context.Context) error { return app.Revocations.Close() })
	}

	log.Info(ctx, "keystore assembled",
		logger.String("storage", cfg.Storage.Driver),
		logger.Bool("redis", cfg.Redis.Enabled),
		logger.Bool("l1_cache", cfg.Cache.Enabled),
		logger.Bool("kafka", cfg.Kafka.Enabled),
		logger.Bool("revocation_consumer", app.Revocations != nil),
		logger.Bool("rate_limit", cfg.RateLimit.Enabled),
		logger.String("signing_source", cfg.JWT.Source))
	return app, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.Logger.Error(ctx, "failed to close resource", err, logger.String("resource", c.name))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return stderrors.Join(errs...)
}

// ================================================================================
// Components
// ================================================================================

func buildSigningKeys(app *App, cfg *config.Config, log logger.Logger) (domainService.SigningKeyProvider, error) {
	if cfg.JWT.Source != config.SigningKeySourceVault {
		return kms.NewStaticProvider(cfg.JWT.SigningKey)
	}
	client, err := kms.NewVaultClient(cfg.Vault)
	if err != nil {
		return nil, err
	}
	provider, err := kms.NewVaultProvider(cfg.Vault, client, log)
	if err != nil {
		return nil, err
	}
	app.Health = append(app.Health, handlers.HealthCheck{Name: "vault", Check: func(ctx context.Context) error {
		_, err := provider.SigningKey(ctx)
		return err
	}})
	return provider, nil
}

func buildStore(ctx context.Context, app *App, cfg *config.Config, log logger.Logger) (repository.KeyRepository, *postgres.DBConnection, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		return memory.NewKeyStore(nil), nil, nil
	}
	conn, err := postgres.NewDBConnection(ctx, cfg.Storage.Driver, &cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	app.onClose("database", func(context.Context) error { return conn.Close() })
	app.Health = append(app.Health, handlers.HealthCheck{Name: "database", Check: conn.Ping})

	repo := postgres.NewKeyRepository(conn, nil, log)
	if cfg.Database.AutoMigrate {
		if err := repo.AutoMigrate(ctx); err != nil {
			return nil, nil, err
		}
	}
	return repo, conn, nil
}

func buildCache(ctx context.Context, app *App, cfg *config.Config, store repository.KeyRepository, log logger.Logger) (repository.KeyRepository, error) {
	opts := []redis.Option{redis.WithMetrics(app.Metrics)}
	if cfg.Cache.Enabled {
		opts = append(opts, redis.WithL1(cfg.Cache.L1TTL))
	}
	if cfg.Redis.Enabled {
		conn, err := redis.NewRedisConnection(ctx, &cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		app.onClose("redis", func(context.Context) error { return conn.Close() })
		app.Health = append(app.Health, handlers.HealthCheck{Name: "redis", Check: conn.Ping})
		app.redisClient = conn.GetClient()
		opts = append(opts, redis.WithRedisIndex(app.redisClient, cfg.Redis.IndexTTL))
	}
	if !cfg.Cache.Enabled && !cfg.Redis.Enabled {
		return store, nil
	}
	return redis.NewCachedKeyRepository(store, log, opts...), nil
}

func buildLimiter(app *App, cfg *config.Config, log logger.Logger) (middleware.RateLimiter, error) {
	rl := cfg.RateLimit
	if app.redisClient == nil {
		return ratelimit.NewLocalRateLimiter(rl.Requests, rl.Window, nil), nil
	}
	return ratelimit.NewRedisRateLimiter(app.redisClient, rl.Requests, rl.Window, log, ratelimit.WithLocalFallback())
}

func buildAudit(ctx context.Context, app *App, cfg *config.Config, db *postgres.DBConnection, log logger.Logger) (domainService.AuditService, error) {
	switch {
	case cfg.Kafka.Enabled:
		producer := audit.NewKafkaProducer(cfg.Kafka, []byte(cfg.Kafka.SigningSecret), log)
		app.onClose("kafka", func(context.Context) error { return producer.Close() })
		return producer, nil
	case db != nil:
		svc := audit.NewGormAuditService(db.DB())
		if cfg.Database.AutoMigrate {
			if err := svc.AutoMigrate(ctx); err != nil {
				return nil, err
			}
		}
		return svc, nil
	default:
		return audit.NewLogAuditService(log), nil
	}
}
