// Package redis provides the Redis connection and the caching key repository
// decorator built on it.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/keystore/internal/config"
	"github.com/turtacn/keystore/pkg/logger"
)

// RedisConnection manages Redis client lifecycle and health monitoring.
type RedisConnection struct {
	config *config.RedisConfig
	client redis.UniversalClient
	logger logger.Logger
}

// NewRedisConnection creates a client for cfg and verifies connectivity.
//
// Parameters:
//   - ctx: Context for the initial ping
//   - cfg: Redis configuration
//   - log: Logger instance
func NewRedisConnection(ctx context.Context, cfg *config.RedisConfig, log logger.Logger) (*RedisConnection, error) {
	log = log.WithComponent("RedisConnection")
	opts := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	log.Info(ctx, "Connecting to Redis standalone",
		logger.String("addr", cfg.Address),
		logger.Int("db", cfg.DB),
	)

	rc := &RedisConnection{config: cfg, client: redis.NewClient(opts), logger: log}
	if err := rc.Ping(ctx); err != nil {
		_ = rc.client.Close()
		return nil, err
	}
	return rc, nil
}

// NewRedisConnectionFromClient wraps an existing client, mainly for tests.
func NewRedisConnectionFromClient(client redis.UniversalClient, log logger.Logger) *RedisConnection {
	return &RedisConnection{config: &config.RedisConfig{}, client: client, logger: log.WithComponent("RedisConnection")}
}

// GetClient returns the Redis client instance.
func (rc *RedisConnection) GetClient() redis.UniversalClient {
	return rc.client
}

// Ping checks Redis server connectivity.
func (rc *RedisConnection) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rc.client.Ping(pingCtx).Err(); err != nil {
		rc.logger.Error(ctx, "Redis ping failed", err)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// HealthCheck performs comprehensive health check on Redis connection.
func (rc *RedisConnection) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	health := make(map[string]interface{})

	start := time.Now()
	err := rc.client.Ping(ctx).Err()
	health["connected"] = err == nil
	health["latency_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		health["error"] = err.Error()
		return health, err
	}

	stats := rc.client.PoolStats()
	health["pool_hits"] = stats.Hits
	health["pool_misses"] = stats.Misses
	health["pool_timeouts"] = stats.Timeouts
	health["total_conns"] = stats.TotalConns
	health["idle_conns"] = stats.IdleConns

	rc.logger.Debug(ctx, "Redis health check completed",
		logger.Any("latency_ms", health["latency_ms"]),
		logger.Any("total_conns", health["total_conns"]),
	)
	return health, nil
}

// Close gracefully closes Redis connection and releases resources.
func (rc *RedisConnection) Close() error {
	rc.logger.Info(context.Background(), "Closing Redis connection")
	return rc.client.Close()
}
