package postgres

import (
	"sort"

	"github.com/turtacn/keystore/internal/domain/models"
)

const (
	keysTable       = "keystore_keys"
	scopesTable     = "keystore_key_scopes"
	attributesTable = "keystore_key_attributes"
)

// keyRecord is the row layout of keystore_keys. A missing refresh token is
// stored as NULL value and expiration. HasScope and HasAttributes keep a nil
// collection apart from an empty one.
type keyRecord struct {
	ID                  string  `gorm:"primaryKey;size:512"`
	UserID              string  `gorm:"size:255;not null;index"`
	ClientID            string  `gorm:"size:255;not null;index"`
	AuthTokenValue      string  `gorm:"size:128;not null;uniqueIndex"`
	AuthTokenExpiration int64   `gorm:"not null"`
	AuthTokenType       string  `gorm:"size:16;not null"`
	RefTokenValue       *string `gorm:"size:128;uniqueIndex"`
	RefTokenExpiration  *int64
	HasScope            bool
	HasAttributes       bool
	Created             int64 `gorm:"not null"`
	Modified            int64 `gorm:"not null"`

	Scopes     []scopeRecord     `gorm:"foreignKey:KeyID"`
	Attributes []attributeRecord `gorm:"foreignKey:KeyID"`
}

func (keyRecord) TableName() string { return keysTable }

type scopeRecord struct {
	KeyID    string   `gorm:"primaryKey;size:512"`
	Position int      `gorm:"primaryKey"`
	Resource string   `gorm:"size:1024;not null;index"`
	Verbs    []string `gorm:"serializer:json"`
}

func (scopeRecord) TableName() string { return scopesTable }

type attributeRecord struct {
	KeyID string `gorm:"primaryKey;size:512"`
	Name  string `gorm:"primaryKey;size:255"`
	Value string `gorm:"type:text;not null"`
}

func (attributeRecord) TableName() string { return attributesTable }

func toRecord(k *models.Key) *keyRecord {
	rec := &keyRecord{
		ID:                  k.ID,
		UserID:              k.UserID,
		ClientID:            k.ClientID,
		AuthTokenValue:      k.AuthToken.Value,
		AuthTokenExpiration: k.AuthToken.Expiration,
		AuthTokenType:       k.AuthToken.TokenType,
		HasScope:            k.AuthToken.Scope != nil,
		HasAttributes:       k.Attributes != nil,
		Created:             k.Created,
		Modified:            k.Modified,
	}
	if k.RefToken != nil {
		value, exp := k.RefToken.Value, k.RefToken.Expiration
		rec.RefTokenValue = &value
		rec.RefTokenExpiration = &exp
	}
	for i, r := range k.AuthToken.Scope {
		rec.Scopes = append(rec.Scopes, scopeRecord{KeyID: k.ID, Position: i, Resource: r.Resource, Verbs: r.Verbs})
	}
	names := make([]string, 0, len(k.Attributes))
	for name := range k.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rec.Attributes = append(rec.Attributes, attributeRecord{KeyID: k.ID, Name: name, Value: k.Attributes[name]})
	}
	return rec
}

func (r *keyRecord) toKey() *models.Key {
	k := &models.Key{
		ID:       r.ID,
		UserID:   r.UserID,
		ClientID: r.ClientID,
		AuthToken: models.AccessToken{
			Value:      r.AuthTokenValue,
			Expiration: r.AuthTokenExpiration,
			TokenType:  r.AuthTokenType,
		},
		Created:  r.Created,
		Modified: r.Modified,
	}
	if r.HasScope {
		scopes := append([]scopeRecord(nil), r.Scopes...)
		sort.Slice(scopes, func(i, j int) bool { return scopes[i].Position < scopes[j].Position })
		k.AuthToken.Scope = make([]models.Resource, 0, len(scopes))
		for _, s := range scopes {
			k.AuthToken.Scope = append(k.AuthToken.Scope, models.Resource{Resource: s.Resource, Verbs: s.Verbs})
		}
	}
	if r.HasAttributes {
		k.Attributes = make(map[string]string, len(r.Attributes))
		for _, a := range r.Attributes {
			k.Attributes[a.Name] = a.Value
		}
	}
	if r.RefTokenValue != nil {
		rt := models.RefreshToken{Value: *r.RefTokenValue}
		if r.RefTokenExpiration != nil {
			rt.Expiration = *r.RefTokenExpiration
		}
		k.RefToken = &rt
	}
	return k
}
