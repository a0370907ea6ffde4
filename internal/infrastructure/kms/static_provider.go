package kms

import (
	"context"

	"github.com/turtacn/keystore/internal/domain/service"
	"github.com/turtacn/keystore/pkg/errors"
)

// StaticProvider serves a signing key fixed at construction, typically from configuration.
type StaticProvider struct {
	key []byte
}

// NewStaticProvider creates a StaticProvider. An empty secret is rejected.
func NewStaticProvider(secret string) (*StaticProvider, error) {
	if secret == "" {
		return nil, errors.BadParameter("jwt.signing_key", "signing key must not be empty")
	}
	return &StaticProvider{key: []byte(secret)}, nil
}

// SigningKey returns a copy of the configured secret.
func (p *StaticProvider) SigningKey(context.Context) ([]byte, error) {
	out := make([]byte, len(p.key))
	copy(out, p.key)
	return out, nil
}

var _ service.SigningKeyProvider = (*StaticProvider)(nil)
