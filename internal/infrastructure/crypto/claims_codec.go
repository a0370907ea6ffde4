// Package crypto implements the signed compact representation of key records.
package crypto

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/errors"
)

// KeyClaims carries every field of a key as a named claim. The registered
// claims hold jti = userId and the fixed iat/exp sentinels.
type KeyClaims struct {
	AuthTokenValue      string            `json:"authTokenValue"`
	AuthTokenExpiration int64             `json:"authTokenExpiration"`
	AuthTokenScope      []models.Resource `json:"authTokenScope"`
	AuthTokenType       string            `json:"authTokenType"`
	AuthTokenExpired    bool              `json:"authTokenExpired"`
	RefTokenValue       *string           `json:"refTokenValue,omitempty"`
	RefTokenExpiration  *int64            `json:"refTokenExpiration,omitempty"`
	RefTokenExpired     *bool             `json:"refTokenExpired,omitempty"`
	UserID              string            `json:"userId"`
	ClientID            string            `json:"clientId"`
	Attributes          map[string]string `json:"attributes"`
	Created             int64             `json:"created"`
	Modified            int64             `json:"modified"`
	jwt.RegisteredClaims
}

// ClaimsCodec encodes keys as HS256-signed JWTs and decodes them back.
type ClaimsCodec struct {
	now func() time.Time
}

// NewClaimsCodec creates a ClaimsCodec. The clock only feeds the informational
// expired claims; a nil clock uses time.Now.
func NewClaimsCodec(now func() time.Time) *ClaimsCodec {
	if now == nil {
		now = time.Now
	}
	return &ClaimsCodec{now: now}
}

// Encode signs key with signingKey.
func (c *ClaimsCodec) Encode(key *models.Key, signingKey []byte) (string, error) {
	if key == nil {
		return "", errors.MissingIdentity("no key to encode")
	}
	if err := key.Identity().Validate(); err != nil {
		return "", err
	}
	now := c.now()

	claims := KeyClaims{
		AuthTokenValue:      key.AuthToken.Value,
		AuthTokenExpiration: key.AuthToken.Expiration,
		AuthTokenScope:      key.AuthToken.Scope,
		AuthTokenType:       key.AuthToken.TokenType,
		AuthTokenExpired:    key.AuthToken.IsExpiredAt(now),
		UserID:              key.UserID,
		ClientID:            key.ClientID,
		Attributes:          key.Attributes,
		Created:             key.Created,
		Modified:            key.Modified,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        key.UserID,
			IssuedAt:  jwt.NewNumericDate(time.Unix(constants.EnvelopeIssuedAt, 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(constants.EnvelopeExpiresAt, 0)),
		},
	}
	if key.RefToken != nil {
		value, exp, expired := key.RefToken.Value, key.RefToken.Expiration, key.RefToken.IsExpiredAt(now)
		claims.RefTokenValue = &value
		claims.RefTokenExpiration = &exp
		claims.RefTokenExpired = &expired
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		return "", errors.Internal(err)
	}
	return signed, nil
}

// DecodeClaims verifies tokenString against signingKey and returns its claims.
// A bad signature is SignatureMismatch; anything else wrong with the envelope
// is ClaimsParsingFailure.
func (c *ClaimsCodec) DecodeClaims(tokenString string, signingKey []byte) (*KeyClaims, error) {
	claims := &KeyClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuedAt())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, errors.SignatureMismatch(err)
		}
		return nil, errors.ClaimsParsingFailure("invalid key token", err)
	}
	if !token.Valid {
		return nil, errors.ClaimsParsingFailure("invalid key token", nil)
	}
	return claims, nil
}

// Decode verifies tokenString and rebuilds the key it carries. The id is
// recomputed from the embedded userId and clientId.
func (c *ClaimsCodec) Decode(tokenString string, signingKey []byte) (*models.Key, error) {
	claims, err := c.DecodeClaims(tokenString, signingKey)
	if err != nil {
		return nil, err
	}
	return claims.Key()
}

// Key rebuilds the record carried by the claims.
func (kc *KeyClaims) Key() (*models.Key, error) {
	identity := models.Identity{UserID: kc.UserID, ClientID: kc.ClientID}
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	key := &models.Key{
		ID:         identity.ID(),
		UserID:     kc.UserID,
		ClientID:   kc.ClientID,
		AuthToken:  models.NewAccessToken(kc.AuthTokenValue, kc.AuthTokenExpiration, kc.AuthTokenScope),
		Attributes: kc.Attributes,
		Created:    kc.Created,
		Modified:   kc.Modified,
	}
	if kc.RefTokenValue != nil {
		rt := models.RefreshToken{Value: *kc.RefTokenValue}
		if kc.RefTokenExpiration != nil {
			rt.Expiration = *kc.RefTokenExpiration
		}
		key.RefToken = &rt
	}
	return key, nil
}
