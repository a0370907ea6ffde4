// Package service contains the key domain services: token minting and the
// key lifecycle state machine.
package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/pkg/constants"
)

// TokenGenerator mints opaque access and refresh tokens.
type TokenGenerator interface {
	NewAccessToken(subject string, scope []models.Resource) models.AccessToken
	NewRefreshToken(subject string) models.RefreshToken
}

type tokenGenerator struct {
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenGenerator creates a TokenGenerator. Non-positive lifetimes fall back
// to the defaults and a nil clock uses time.Now.
func NewTokenGenerator(accessTTL, refreshTTL time.Duration, now func() time.Time) TokenGenerator {
	if accessTTL <= 0 {
		accessTTL = constants.AccessTokenLifetime
	}
	if refreshTTL <= 0 {
		refreshTTL = constants.RefreshTokenLifetime
	}
	if now == nil {
		now = time.Now
	}
	return &tokenGenerator{accessTTL: accessTTL, refreshTTL: refreshTTL, now: now}
}

func (g *tokenGenerator) NewAccessToken(subject string, scope []models.Resource) models.AccessToken {
	now := g.now()
	return models.NewAccessToken(
		tokenValue(constants.AccessTokenPrefix, subject, now),
		now.Add(g.accessTTL).Unix(),
		scope,
	)
}

func (g *tokenGenerator) NewRefreshToken(subject string) models.RefreshToken {
	now := g.now()
	return models.RefreshToken{
		Value:      tokenValue(constants.RefreshTokenPrefix, subject, now),
		Expiration: now.Add(g.refreshTTL).Unix(),
	}
}

// tokenValue hashes prefix, subject and time together with a random UUID and
// TokenEntropyBytes of crypto/rand output, then encodes base64url without padding.
func tokenValue(prefix, subject string, now time.Time) string {
	entropy := make([]byte, constants.TokenEntropyBytes)
	_, _ = rand.Read(entropy)
	id := uuid.New()

	h := sha256.New()
	h.Write([]byte(prefix))
	h.Write([]byte(subject))
	h.Write([]byte(strconv.FormatInt(now.UnixNano(), 10)))
	h.Write(id[:])
	h.Write(entropy)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
