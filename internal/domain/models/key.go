// Package models holds the key aggregate and its token value types.
package models

import (
	"time"

	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/errors"
)

// Identity names one key record: the (userId, clientId) pair.
type Identity struct {
	UserID   string `json:"userId"`
	ClientID string `json:"clientId"`
}

// ID derives the storage id of the identity.
func (i Identity) ID() string {
	return KeyID(i.UserID, i.ClientID)
}

// Validate fails with MissingIdentity if either half is empty.
func (i Identity) Validate() error {
	switch {
	case i.UserID == "" && i.ClientID == "":
		return errors.MissingIdentity("userId and clientId are empty")
	case i.UserID == "":
		return errors.MissingIdentity("userId is empty")
	case i.ClientID == "":
		return errors.MissingIdentity("clientId is empty")
	}
	return nil
}

// KeyID joins userId and clientId into the derived key id.
func KeyID(userID, clientID string) string {
	return userID + constants.IdentitySeparator + clientID
}

// Key is the aggregate record: one credential pair per identity.
//
// ID is always KeyID(UserID, ClientID); it is derived and never accepted from
// callers, which is why it does not appear in the JSON form.
type Key struct {
	ID         string            `json:"-"`
	UserID     string            `json:"userId"`
	ClientID   string            `json:"clientId"`
	AuthToken  AccessToken       `json:"authToken"`
	RefToken   *RefreshToken     `json:"refToken"`
	Attributes map[string]string `json:"attributes"`
	Created    int64             `json:"created"`
	Modified   int64             `json:"modified"`
}

// NewKey constructs a key for the identity at now.
// A non-positive created marks a first construction: created and modified are
// both set to now. Otherwise created is carried forward and modified is now.
func NewKey(identity Identity, authToken AccessToken, refToken *RefreshToken, attributes map[string]string, created int64, now time.Time) (*Key, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	ts := now.Unix()
	if created <= 0 {
		created = ts
	}
	k := &Key{
		ID:         identity.ID(),
		UserID:     identity.UserID,
		ClientID:   identity.ClientID,
		AuthToken:  authToken.Clone(),
		Attributes: cloneAttributes(attributes),
		Created:    created,
		Modified:   ts,
	}
	if refToken != nil {
		rt := *refToken
		k.RefToken = &rt
	}
	return k, nil
}

// Identity returns the (userId, clientId) pair of the key.
func (k *Key) Identity() Identity {
	return Identity{UserID: k.UserID, ClientID: k.ClientID}
}

// AgencyCode returns the agencyCode attribute, if any.
func (k *Key) AgencyCode() (string, bool) {
	if k.Attributes == nil {
		return "", false
	}
	v, ok := k.Attributes[constants.AgencyCodeAttribute]
	return v, ok
}

// RefreshValidAt reports whether the key holds a refresh token that is alive at now.
func (k *Key) RefreshValidAt(now time.Time) bool {
	return k.RefToken != nil && !k.RefToken.IsExpiredAt(now)
}

// Equal compares business fields only: userId, clientId, attributes and both
// tokens. id, created and modified are ignored.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	if k.UserID != other.UserID || k.ClientID != other.ClientID {
		return false
	}
	if !k.AuthToken.Equal(other.AuthToken) {
		return false
	}
	if (k.RefToken == nil) != (other.RefToken == nil) {
		return false
	}
	if k.RefToken != nil && *k.RefToken != *other.RefToken {
		return false
	}
	return attributesEqual(k.Attributes, other.Attributes)
}

// Clone returns a deep copy of the key.
func (k *Key) Clone() *Key {
	if k == nil {
		return nil
	}
	c := *k
	c.AuthToken = k.AuthToken.Clone()
	c.Attributes = cloneAttributes(k.Attributes)
	if k.RefToken != nil {
		rt := *k.RefToken
		c.RefToken = &rt
	}
	return &c
}

func attributesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func cloneAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
