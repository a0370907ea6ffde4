package dto

import (
	"strings"
	"time"

	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/errors"
)

// CreateKeyRequest asks for a freshly minted token pair.
type CreateKeyRequest struct {
	UserID     string            `json:"userId"`
	ClientID   string            `json:"clientId"`
	Scope      []models.Resource `json:"scope"`
	Attributes map[string]string `json:"attributes"`
}

// Identity returns the identity named by the request.
func (r *CreateKeyRequest) Identity() models.Identity {
	return models.Identity{UserID: r.UserID, ClientID: r.ClientID}
}

// RefreshKeyRequest addresses a key by its refresh token value.
type RefreshKeyRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RevokeResult reports how many keys a bulk revoke removed.
type RevokeResult struct {
	Revoked int `json:"revoked"`
}

// ================================================================================
// Field projection
// ================================================================================

// Projectable field names accepted by the fields parameter.
const (
	FieldUserID              = "userId"
	FieldClientID            = "clientId"
	FieldCreated             = "created"
	FieldModified            = "modified"
	FieldAttributes          = "attributes"
	FieldAgencyCode          = "agencyCode"
	FieldAuthToken           = "authToken"
	FieldAuthTokenValue      = "authTokenValue"
	FieldAuthTokenExpiration = "authTokenExpiration"
	FieldAuthTokenScope      = "authTokenScope"
	FieldAuthTokenType       = "authTokenType"
	FieldAuthTokenExpired    = "authTokenExpired"
	FieldRefToken            = "refToken"
	FieldRefTokenValue       = "refTokenValue"
	FieldRefTokenExpiration  = "refTokenExpiration"
	FieldRefTokenExpired     = "refTokenExpired"
)

// projector reads one field. A non-empty child nests the value under
// parent, e.g. authTokenValue renders as {"authToken": {"value": ...}}.
type projector struct {
	parent string
	child  string
	get    func(k *models.Key, now time.Time) (interface{}, bool)
}

func always(get func(k *models.Key, now time.Time) interface{}) func(*models.Key, time.Time) (interface{}, bool) {
	return func(k *models.Key, now time.Time) (interface{}, bool) { return get(k, now), true }
}

func withRefresh(get func(rt *models.RefreshToken, now time.Time) interface{}) func(*models.Key, time.Time) (interface{}, bool) {
	return func(k *models.Key, now time.Time) (interface{}, bool) {
		if k.RefToken == nil {
			return nil, false
		}
		return get(k.RefToken, now), true
	}
}

var projectors = map[string]projector{
	FieldUserID:     {parent: FieldUserID, get: always(func(k *models.Key, _ time.Time) interface{} { return k.UserID })},
	FieldClientID:   {parent: FieldClientID, get: always(func(k *models.Key, _ time.Time) interface{} { return k.ClientID })},
	FieldCreated:    {parent: FieldCreated, get: always(func(k *models.Key, _ time.Time) interface{} { return k.Created })},
	FieldModified:   {parent: FieldModified, get: always(func(k *models.Key, _ time.Time) interface{} { return k.Modified })},
	FieldAttributes: {parent: FieldAttributes, get: always(func(k *models.Key, _ time.Time) interface{} { return k.Attributes })},
	FieldAgencyCode: {parent: FieldAttributes, child: constants.AgencyCodeAttribute, get: func(k *models.Key, _ time.Time) (interface{}, bool) {
		return k.AgencyCode()
	}},

	FieldAuthToken: {parent: FieldAuthToken, get: always(func(k *models.Key, _ time.Time) interface{} { return k.AuthToken })},
	FieldAuthTokenValue: {parent: FieldAuthToken, child: "value", get: always(func(k *models.Key, _ time.Time) interface{} {
		return k.AuthToken.Value
	})},
	FieldAuthTokenExpiration: {parent: FieldAuthToken, child: "expiration", get: always(func(k *models.Key, _ time.Time) interface{} {
		return k.AuthToken.Expiration
	})},
	FieldAuthTokenScope: {parent: FieldAuthToken, child: "scope", get: always(func(k *models.Key, _ time.Time) interface{} {
		return k.AuthToken.Scope
	})},
	FieldAuthTokenType: {parent: FieldAuthToken, child: "tokenType", get: always(func(k *models.Key, _ time.Time) interface{} {
		return k.AuthToken.TokenType
	})},
	FieldAuthTokenExpired: {parent: FieldAuthToken, child: "expired", get: always(func(k *models.Key, now time.Time) interface{} {
		return k.AuthToken.IsExpiredAt(now)
	})},

	FieldRefToken: {parent: FieldRefToken, get: withRefresh(func(rt *models.RefreshToken, _ time.Time) interface{} { return rt })},
	FieldRefTokenValue: {parent: FieldRefToken, child: "value", get: withRefresh(func(rt *models.RefreshToken, _ time.Time) interface{} {
		return rt.Value
	})},
	FieldRefTokenExpiration: {parent: FieldRefToken, child: "expiration", get: withRefresh(func(rt *models.RefreshToken, _ time.Time) interface{} {
		return rt.Expiration
	})},
	FieldRefTokenExpired: {parent: FieldRefToken, child: "expired", get: withRefresh(func(rt *models.RefreshToken, now time.Time) interface{} {
		return rt.IsExpiredAt(now)
	})},
}

// ParseFields splits a comma-separated fields parameter. An empty value
// selects the whole record and yields nil.
func ParseFields(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name == "" {
			continue
		}
		if _, ok := projectors[name]; !ok {
			return nil, errors.BadParameter("fields", "unknown field: "+name)
		}
		fields = append(fields, name)
	}
	return fields, nil
}

// Project renders k limited to fields. Sub-fields nest under their parent
// object; selecting the parent itself (authToken, refToken, attributes)
// renders it whole and overrides its sub-fields. Fields with no value on the
// record, e.g. refTokenValue of a key without a refresh token, are omitted.
// With no fields the key itself is returned.
func Project(k *models.Key, fields []string, now time.Time) interface{} {
	if len(fields) == 0 {
		return k
	}
	out := make(map[string]interface{}, len(fields))
	whole := make(map[string]bool, len(fields))
	for _, f := range fields {
		p := projectors[f]
		if p.child != "" {
			continue
		}
		if v, ok := p.get(k, now); ok {
			out[p.parent] = v
			whole[p.parent] = true
		}
	}
	for _, f := range fields {
		p := projectors[f]
		if p.child == "" || whole[p.parent] {
			continue
		}
		v, ok := p.get(k, now)
		if !ok {
			continue
		}
		nested, _ := out[p.parent].(map[string]interface{})
		if nested == nil {
			nested = make(map[string]interface{})
			out[p.parent] = nested
		}
		nested[p.child] = v
	}
	return out
}
