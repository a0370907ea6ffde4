// Package config defines the keystore service configuration and its loader.
package config

import (
	"fmt"
	"time"

	"github.com/turtacn/keystore/pkg/errors"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Signing key sources.
const (
	SigningKeySourceConfig = "config"
	SigningKeySourceVault  = "vault"
)

// Config holds the application's configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// BasicAuth maps management user names to passwords. Empty disables authentication.
	BasicAuth   map[string]string `mapstructure:"basic_auth"`
	CORSOrigins []string          `mapstructure:"cors_origins"`
	EnablePprof bool              `mapstructure:"enable_pprof"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory sqlite postgres"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address" validate:"required_if=Enabled true"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	IndexTTL time.Duration `mapstructure:"index_ttl"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	L1TTL   time.Duration `mapstructure:"l1_ttl"`
}

type TokensConfig struct {
	AccessTTL  int `mapstructure:"access_ttl" validate:"gt=0"`  // in seconds
	RefreshTTL int `mapstructure:"refresh_ttl" validate:"gt=0"` // in seconds
}

func (c TokensConfig) AccessLifetime() time.Duration {
	return time.Duration(c.AccessTTL) * time.Second
}

func (c TokensConfig) RefreshLifetime() time.Duration {
	return time.Duration(c.RefreshTTL) * time.Second
}

type JWTConfig struct {
	SigningKey string `mapstructure:"signing_key"`
	Source     string `mapstructure:"source" validate:"oneof=config vault"`
}

type VaultConfig struct {
	Address     string        `mapstructure:"address"`
	Token       string        `mapstructure:"token"`
	Namespace   string        `mapstructure:"namespace"`
	SecretPath  string        `mapstructure:"secret_path"`
	SecretField string        `mapstructure:"secret_field"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	AuditTopic   string        `mapstructure:"audit_topic"`
	RequiredAcks int           `mapstructure:"required_acks"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// SigningSecret, when set, signs every audit message with HMAC-SHA256
	// and is required on inbound revocation commands.
	SigningSecret string `mapstructure:"signing_secret"`

	// RevocationTopic enables the revocation command consumer when set.
	RevocationTopic string `mapstructure:"revocation_topic"`
	ConsumerGroup   string `mapstructure:"consumer_group"`
}

// RevocationEnabled reports whether revocation commands should be consumed.
func (c KafkaConfig) RevocationEnabled() bool {
	return c.Enabled && c.RevocationTopic != ""
}

// RateLimitConfig throttles the /keys API per authenticated user, or per
// client IP when basic auth is off. Buckets live in Redis when it is enabled.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int64         `mapstructure:"requests" validate:"required_if=Enabled true,gte=0"`
	Window   time.Duration `mapstructure:"window" validate:"required_if=Enabled true,gte=0"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// Validate checks for essential configuration values. Per-field rules live
// in `validate` tags; the checks below span several fields.
func (c *Config) Validate() error {
	if err := validateFields(c); err != nil {
		return err
	}

	switch c.JWT.Source {
	case SigningKeySourceConfig:
		if c.JWT.SigningKey == "" {
			return errors.BadParameter("jwt.signing_key", "signing key is required when jwt.source is config")
		}
	case SigningKeySourceVault:
		if c.Vault.Address == "" || c.Vault.SecretPath == "" {
			return errors.BadParameter("vault", "vault.address and vault.secret_path are required when jwt.source is vault")
		}
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.AuditTopic == "") {
		return errors.BadParameter("kafka", "kafka.brokers and kafka.audit_topic are required when kafka is enabled")
	}
	return nil
}
