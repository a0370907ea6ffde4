// Package kms supplies the secrets used to sign compact key tokens, either
// from configuration or from HashiCorp Vault.
package kms

import (
	"context"
	"fmt"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	gocache "github.com/patrickmn/go-cache"
	"github.com/turtacn/keystore/internal/config"
	"github.com/turtacn/keystore/internal/domain/service"
	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
	"golang.org/x/sync/singleflight"
)

const signingKeyCacheKey = "signing-key"

// VaultProvider reads the signing secret from a Vault KV mount and keeps it
// in memory for the configured TTL.
type VaultProvider struct {
	client *vault.Client
	path   string
	field  string
	cache  *gocache.Cache
	sf     singleflight.Group
	logger logger.Logger
}

// NewVaultClient builds a Vault API client from cfg.
func NewVaultClient(cfg config.VaultConfig) (*vault.Client, error) {
	vc := vault.DefaultConfig()
	vc.Address = cfg.Address
	if cfg.Timeout > 0 {
		vc.Timeout = cfg.Timeout
	}
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	return client, nil
}

// NewVaultProvider creates a VaultProvider reading cfg.SecretPath.
func NewVaultProvider(cfg config.VaultConfig, client *vault.Client, log logger.Logger) (*VaultProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("vault client is required")
	}
	if cfg.SecretPath == "" {
		return nil, errors.BadParameter("vault.secret_path", "secret path must not be empty")
	}
	field := cfg.SecretField
	if field == "" {
		field = "signing_key"
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &VaultProvider{
		client: client,
		path:   strings.TrimPrefix(cfg.SecretPath, "/"),
		field:  field,
		cache:  gocache.New(ttl, 2*ttl),
		logger: log.WithComponent("VaultProvider"),
	}, nil
}

// SigningKey returns the cached secret or reads it from Vault.
// Concurrent misses share a single read.
func (p *VaultProvider) SigningKey(ctx context.Context) ([]byte, error) {
	if v, ok := p.cache.Get(signingKeyCacheKey); ok {
		return v.([]byte), nil
	}

	v, err, _ := p.sf.Do(signingKeyCacheKey, func() (interface{}, error) {
		key, err := p.read(ctx)
		if err != nil {
			return nil, err
		}
		p.cache.SetDefault(signingKeyCacheKey, key)
		return key, nil
	})
	if err != nil {
		p.logger.Error(ctx, "failed to read signing key from vault", err, logger.String("path", p.path))
		return nil, err
	}
	return v.([]byte), nil
}

// Invalidate drops the cached secret so the next call reads Vault again.
func (p *VaultProvider) Invalidate() {
	p.cache.Delete(signingKeyCacheKey)
}

func (p *VaultProvider) read(ctx context.Context) ([]byte, error) {
	secret, err := p.client.Logical().ReadWithContext(ctx, p.path)
	if err != nil {
		return nil, fmt.Errorf("could not read secret %s from vault: %w", p.path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret %s not found in vault", p.path)
	}

	data := secret.Data
	// KV v2 nests the payload under "data".
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	value, ok := data[p.field].(string)
	if !ok || value == "" {
		return nil, fmt.Errorf("field %q not found or not a string in vault secret %s", p.field, p.path)
	}
	return []byte(value), nil
}

var _ service.SigningKeyProvider = (*VaultProvider)(nil)
