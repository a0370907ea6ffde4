package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/logger"
)

// Loader reads configuration from file and environment and can watch the
// file for changes.
type Loader struct {
	v    *viper.Viper
	log  logger.Logger
	mu   sync.Mutex
	last *Config
}

// NewLoader creates a Loader. A non-empty path names the config file
// explicitly; otherwise config.yaml is searched in /etc/keystore/ and ".".
func NewLoader(path string, log logger.Logger) *Loader {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/keystore/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("KEYSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, log: log.WithComponent("ConfigLoader")}
}

// LoadConfig loads the configuration from file and environment variables.
func LoadConfig(path string, log logger.Logger) (*Config, error) {
	return NewLoader(path, log).Load()
}

// Load reads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.last = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Watch re-reads the file on every change and hands the new configuration to
// onChange. Invalid revisions are logged and skipped.
func (l *Loader) Watch(onChange func(prev, next *Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := l.decode()
		if err != nil {
			l.log.Warn(context.Background(), "ignoring invalid configuration change",
				logger.String("file", e.Name), logger.Err(err))
			return
		}
		l.mu.Lock()
		prev := l.last
		l.last = next
		l.mu.Unlock()

		l.log.Info(context.Background(), "configuration reloaded", logger.String("file", e.Name))
		onChange(prev, next)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Storage.Driver = strings.ToLower(cfg.Storage.Driver)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", constants.DefaultHTTPPort)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", constants.DefaultReadTimeout)
	v.SetDefault("server.write_timeout", constants.DefaultWriteTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.enable_pprof", false)

	v.SetDefault("storage.driver", StorageMemory)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "keystore")
	v.SetDefault("database.dbname", "keystore")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.sqlite_path", "keystore.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.index_ttl", constants.DefaultRedisIndexTTL)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.l1_ttl", constants.DefaultL1CacheTTL)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests", constants.DefaultRateLimitRequests)
	v.SetDefault("rate_limit.window", constants.DefaultRateLimitWindow)

	v.SetDefault("tokens.access_ttl", int(constants.AccessTokenLifetime.Seconds()))
	v.SetDefault("tokens.refresh_ttl", int(constants.RefreshTokenLifetime.Seconds()))

	v.SetDefault("jwt.source", SigningKeySourceConfig)
	v.SetDefault("jwt.signing_key", "")

	v.SetDefault("vault.address", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.namespace", "")
	v.SetDefault("vault.secret_path", "")
	v.SetDefault("vault.secret_field", "signing_key")
	v.SetDefault("vault.cache_ttl", "5m")
	v.SetDefault("vault.timeout", "10s")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.audit_topic", "keystore-audit")
	v.SetDefault("kafka.required_acks", 1)
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "1s")
	v.SetDefault("kafka.write_timeout", "10s")
	v.SetDefault("kafka.signing_secret", "")
	v.SetDefault("kafka.revocation_topic", "")
	v.SetDefault("kafka.consumer_group", "keystore-revocation")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.jaeger_endpoint", "")
	v.SetDefault("tracing.service_name", constants.ServiceName)
	v.SetDefault("tracing.sample_rate", 1.0)
}
