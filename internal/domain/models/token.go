package models

import (
	"encoding/json"
	"time"

	"github.com/turtacn/keystore/pkg/constants"
)

// AccessToken is the short-lived bearer credential of a key.
// It is never mutated in place; refresh replaces it wholesale.
type AccessToken struct {
	Value      string     `json:"value"`
	Expiration int64      `json:"expiration"`
	Scope      []Resource `json:"scope"`
	TokenType  string     `json:"tokenType"`
}

// NewAccessToken builds a bearer access token with a normalized scope.
func NewAccessToken(value string, expiration int64, scope []Resource) AccessToken {
	return AccessToken{
		Value:      value,
		Expiration: expiration,
		Scope:      NormalizeScope(scope),
		TokenType:  constants.TokenTypeBearer,
	}
}

// IsExpiredAt reports whether the token is past its expiration at now.
func (t AccessToken) IsExpiredAt(now time.Time) bool {
	return now.Unix() > t.Expiration
}

// IsExpired reports whether the token is past its expiration.
func (t AccessToken) IsExpired() bool {
	return t.IsExpiredAt(time.Now())
}

// Equal compares every field, treating scope as a set.
func (t AccessToken) Equal(other AccessToken) bool {
	return t.Value == other.Value &&
		t.Expiration == other.Expiration &&
		t.TokenType == other.TokenType &&
		ScopeEqual(t.Scope, other.Scope)
}

// Clone returns a deep copy.
func (t AccessToken) Clone() AccessToken {
	t.Scope = cloneScope(t.Scope)
	return t
}

type accessTokenJSON struct {
	Value      string     `json:"value"`
	Expiration int64      `json:"expiration"`
	Scope      []Resource `json:"scope"`
	TokenType  string     `json:"tokenType"`
	Expired    bool       `json:"expired"`
}

// MarshalJSON adds the derived expired flag.
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(accessTokenJSON{
		Value:      t.Value,
		Expiration: t.Expiration,
		Scope:      t.Scope,
		TokenType:  t.TokenType,
		Expired:    t.IsExpired(),
	})
}

// UnmarshalJSON ignores the derived expired flag and defaults the token type.
func (t *AccessToken) UnmarshalJSON(data []byte) error {
	var raw accessTokenJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = NewAccessToken(raw.Value, raw.Expiration, raw.Scope)
	return nil
}

// RefreshToken is the long-lived credential used to mint a new pair.
type RefreshToken struct {
	Value      string `json:"value"`
	Expiration int64  `json:"expiration"`
}

// IsExpiredAt reports whether the token is past its expiration at now.
func (t RefreshToken) IsExpiredAt(now time.Time) bool {
	return now.Unix() > t.Expiration
}

// IsExpired reports whether the token is past its expiration.
func (t RefreshToken) IsExpired() bool {
	return t.IsExpiredAt(time.Now())
}

type refreshTokenJSON struct {
	Value      string `json:"value"`
	Expiration int64  `json:"expiration"`
	Expired    bool   `json:"expired"`
}

// MarshalJSON adds the derived expired flag.
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(refreshTokenJSON{Value: t.Value, Expiration: t.Expiration, Expired: t.IsExpired()})
}

// UnmarshalJSON ignores the derived expired flag.
func (t *RefreshToken) UnmarshalJSON(data []byte) error {
	var raw refreshTokenJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Value, t.Expiration = raw.Value, raw.Expiration
	return nil
}
