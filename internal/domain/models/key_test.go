package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/keystore/pkg/errors"
)

var fixedNow = time.Unix(1700000000, 0)

func sampleKey(t *testing.T) *Key {
	t.Helper()
	at := NewAccessToken("at-value", fixedNow.Unix()+100, []Resource{NewResource("/orders", "GET", "POST")})
	rt := &RefreshToken{Value: "ref-value", Expiration: fixedNow.Unix() + 1000}
	k, err := NewKey(Identity{UserID: "u1", ClientID: "c1"}, at, rt, map[string]string{"agencyCode": "A1"}, 0, fixedNow)
	require.NoError(t, err)
	return k
}

func TestNewKey_DerivesIdentity(t *testing.T) {
	k := sampleKey(t)

	assert.Equal(t, "u1__c1", k.ID)
	assert.Equal(t, fixedNow.Unix(), k.Created)
	assert.Equal(t, fixedNow.Unix(), k.Modified)
	code, ok := k.AgencyCode()
	assert.True(t, ok)
	assert.Equal(t, "A1", code)
}

func TestNewKey_CarriesCreatedForward(t *testing.T) {
	later := fixedNow.Add(time.Hour)
	k, err := NewKey(Identity{UserID: "u1", ClientID: "c1"}, AccessToken{}, nil, nil, 1234, later)
	require.NoError(t, err)

	assert.Equal(t, int64(1234), k.Created)
	assert.Equal(t, later.Unix(), k.Modified)
}

func TestNewKey_MissingIdentity(t *testing.T) {
	for _, id := range []Identity{{UserID: "", ClientID: "c"}, {UserID: "u", ClientID: ""}, {}} {
		_, err := NewKey(id, AccessToken{}, nil, nil, 0, fixedNow)
		assert.True(t, errors.Is(err, errors.ErrMissingIdentity), "identity %+v", id)
	}
}

func TestKey_EqualIgnoresBookkeeping(t *testing.T) {
	a := sampleKey(t)
	b := a.Clone()
	b.ID = "something-else"
	b.Created = 1
	b.Modified = 2
	assert.True(t, a.Equal(b))

	c := a.Clone()
	c.Attributes["agencyCode"] = "B2"
	assert.False(t, a.Equal(c))

	d := a.Clone()
	d.RefToken = nil
	assert.False(t, a.Equal(d))

	e := a.Clone()
	e.AuthToken.Scope = []Resource{NewResource("/orders", "POST", "GET", "GET")}
	assert.True(t, a.Equal(e), "scope compares as a set")
}

func TestKey_CloneIsDeep(t *testing.T) {
	a := sampleKey(t)
	b := a.Clone()
	b.Attributes["x"] = "y"
	b.RefToken.Value = "changed"
	b.AuthToken.Scope[0].Verbs[0] = "DELETE"

	assert.NotContains(t, a.Attributes, "x")
	assert.Equal(t, "ref-value", a.RefToken.Value)
	assert.Equal(t, "GET", a.AuthToken.Scope[0].Verbs[0])
}

func TestKey_JSONHidesIDAndAddsExpiredFlags(t *testing.T) {
	k := sampleKey(t)
	data, err := json.Marshal(k)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "id")
	auth := raw["authToken"].(map[string]interface{})
	assert.Equal(t, "BEARER", auth["tokenType"])
	assert.Contains(t, auth, "expired")

	var back Key
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, k.Equal(&back))
}
