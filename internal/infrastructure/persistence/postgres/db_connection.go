// Package postgres provides the relational key store. PostgreSQL is the
// production engine; SQLite serves single-node deployments and tests.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/turtacn/keystore/internal/config"
	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DBConnection manages the gorm handle and its connection pool lifecycle.
type DBConnection struct {
	db     *gorm.DB
	driver string
	config *config.DatabaseConfig
	logger logger.Logger
}

// NewDBConnection opens a database for driver ("postgres" or "sqlite") and
// performs an initial health check.
//
// Parameters:
//   - ctx: Context for connection timeout control
//   - driver: storage driver name from configuration
//   - cfg: Database configuration including host, port, credentials, and pool settings
//   - log: Logger instance for connection lifecycle events
func NewDBConnection(ctx context.Context, driver string, cfg *config.DatabaseConfig, log logger.Logger) (*DBConnection, error) {
	if cfg == nil {
		return nil, errors.BadParameter("database", "database configuration is required")
	}
	log = log.WithComponent("DBConnection")

	var dialector gorm.Dialector
	switch driver {
	case config.StoragePostgres:
		log.Info(ctx, "Initializing PostgreSQL connection pool",
			logger.String("host", cfg.Host),
			logger.Int("port", cfg.Port),
			logger.String("database", cfg.DBName),
			logger.Int("max_open_conns", cfg.MaxOpenConns),
		)
		dialector = postgres.Open(cfg.GetDSN())
	case config.StorageSQLite:
		log.Info(ctx, "Opening SQLite database", logger.String("path", cfg.SQLitePath))
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		return nil, errors.BadParameter("storage.driver", fmt.Sprintf("driver %q has no SQL dialect", driver))
	}

	db, err := Open(dialector)
	if err != nil {
		log.Error(ctx, "Failed to open database", err)
		return nil, errors.StorageFailure("connect", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.StorageFailure("connect", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	conn := &DBConnection{db: db, driver: driver, config: cfg, logger: log}
	if err := conn.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return conn, nil
}

// NewDBConnectionFromGorm wraps an already opened handle.
func NewDBConnectionFromGorm(db *gorm.DB, driver string, log logger.Logger) *DBConnection {
	return &DBConnection{db: db, driver: driver, config: &config.DatabaseConfig{}, logger: log.WithComponent("DBConnection")}
}

// Open opens dialector with the settings every keystore handle uses.
func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	return gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
}

// DB returns the gorm handle for repository implementations.
func (c *DBConnection) DB() *gorm.DB {
	return c.db
}

// Driver returns the storage driver name.
func (c *DBConnection) Driver() string {
	return c.driver
}

// Ping verifies database connectivity and responsiveness.
func (c *DBConnection) Ping(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return errors.StorageFailure("ping", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	startTime := time.Now()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		c.logger.Error(ctx, "Database ping failed", err)
		return errors.StorageFailure("ping", err)
	}

	// Warn if latency is high (> 100ms)
	if latency := time.Since(startTime); latency > 100*time.Millisecond {
		c.logger.Warn(ctx, "High database latency detected",
			logger.Int64("latency_ms", latency.Milliseconds()),
			logger.Int("threshold_ms", 100),
		)
	}
	return nil
}

// HealthCheck pings the database and reports pool statistics.
func (c *DBConnection) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return nil, errors.StorageFailure("health", err)
	}
	stats := sqlDB.Stats()
	return map[string]interface{}{
		"status":           "healthy",
		"driver":           c.driver,
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
		"wait_duration_ms": stats.WaitDuration.Milliseconds(),
	}, nil
}

// Close shuts down the connection pool.
func (c *DBConnection) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	c.logger.Info(context.Background(), "Closing database connection pool", logger.String("driver", c.driver))
	return sqlDB.Close()
}
