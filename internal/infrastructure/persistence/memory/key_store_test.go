package memory

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/domain/query"
	"github.com/turtacn/keystore/pkg/errors"
)

var now = time.Unix(1700000000, 0)

func newKey(t *testing.T, user, client string, attrs map[string]string) *models.Key {
	t.Helper()
	at := models.NewAccessToken("at-"+user+"-"+client, now.Unix()+60, nil)
	rt := &models.RefreshToken{Value: "ref-" + user + "-" + client, Expiration: now.Unix() + 600}
	k, err := models.NewKey(models.Identity{UserID: user, ClientID: client}, at, rt, attrs, 0, now)
	require.NoError(t, err)
	return k
}

func TestKeyStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewKeyStore(func() time.Time { return now })
	k := newKey(t, "u1", "c1", nil)

	require.NoError(t, s.Insert(ctx, k))
	assert.True(t, errors.Is(s.Insert(ctx, k), errors.ErrConflict))

	got, err := s.Get(ctx, "u1__c1")
	require.NoError(t, err)
	assert.True(t, k.Equal(got))

	got, err = s.GetByAccessTokenValue(ctx, "at-u1-c1")
	require.NoError(t, err)
	assert.Equal(t, "u1__c1", got.ID)

	got, err = s.GetByRefreshTokenValue(ctx, "ref-u1-c1")
	require.NoError(t, err)
	assert.Equal(t, "u1__c1", got.ID)

	require.NoError(t, s.Remove(ctx, k))
	_, err = s.Get(ctx, "u1__c1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.True(t, errors.Is(s.Remove(ctx, k), errors.ErrNotFound))
}

func TestKeyStore_UpsertReindexesTokens(t *testing.T) {
	ctx := context.Background()
	s := NewKeyStore(nil)
	k := newKey(t, "u1", "c1", nil)
	require.NoError(t, s.Upsert(ctx, k))

	replaced := k.Clone()
	replaced.AuthToken.Value = "at-new"
	require.NoError(t, s.Upsert(ctx, replaced))

	_, err := s.GetByAccessTokenValue(ctx, "at-u1-c1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	got, err := s.GetByAccessTokenValue(ctx, "at-new")
	require.NoError(t, err)
	assert.Equal(t, "u1__c1", got.ID)
	assert.Equal(t, 1, s.Len())
}

func TestKeyStore_RejectsTokenValueOfAnotherKey(t *testing.T) {
	ctx := context.Background()
	s := NewKeyStore(nil)
	owner := newKey(t, "u1", "c1", nil)
	require.NoError(t, s.Insert(ctx, owner))

	sharedAccess := newKey(t, "u2", "c2", nil)
	sharedAccess.AuthToken.Value = owner.AuthToken.Value
	assert.True(t, errors.Is(s.Insert(ctx, sharedAccess), errors.ErrConflict))
	assert.True(t, errors.Is(s.Upsert(ctx, sharedAccess), errors.ErrConflict))

	sharedRefresh := newKey(t, "u3", "c3", nil)
	sharedRefresh.RefToken.Value = owner.RefToken.Value
	assert.True(t, errors.Is(s.Upsert(ctx, sharedRefresh), errors.ErrConflict))

	// The owner still resolves through both indexes.
	got, err := s.GetByAccessTokenValue(ctx, owner.AuthToken.Value)
	require.NoError(t, err)
	assert.Equal(t, owner.ID, got.ID)
	got, err = s.GetByRefreshTokenValue(ctx, owner.RefToken.Value)
	require.NoError(t, err)
	assert.Equal(t, owner.ID, got.ID)
	assert.Equal(t, 1, s.Len())

	// Re-storing a key under its own token values is not a conflict.
	require.NoError(t, s.Upsert(ctx, owner))
}

func TestKeyStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewKeyStore(nil)
	k := newKey(t, "u1", "c1", map[string]string{"agencyCode": "A"})
	require.NoError(t, s.Insert(ctx, k))

	k.Attributes["agencyCode"] = "mutated"
	got, err := s.Get(ctx, k.ID)
	require.NoError(t, err)
	got.Attributes["agencyCode"] = "mutated again"

	again, err := s.Get(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", again.Attributes["agencyCode"])
}

func TestKeyStore_QueryPagesAndCounts(t *testing.T) {
	ctx := context.Background()
	s := NewKeyStore(func() time.Time { return now })
	for i := 0; i < 5; i++ {
		agency := "A"
		if i%2 == 1 {
			agency = "B"
		}
		require.NoError(t, s.Insert(ctx, newKey(t, fmt.Sprintf("u%d", i), "c", map[string]string{"agencyCode": agency})))
	}

	pred := query.Eq(query.AttributePath("agencyCode"), query.StringValue("A"))
	ordering := []query.Order{{Path: query.FieldPath(query.FieldUserID), Desc: true}}

	page, err := s.Query(ctx, pred, ordering, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 2, page.TotalPages())
	require.Len(t, page.Items, 2)
	assert.Equal(t, "u4", page.Items[0].UserID)
	assert.Equal(t, "u2", page.Items[1].UserID)

	page, err = s.Query(ctx, pred, ordering, 1, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "u0", page.Items[0].UserID)

	page, err = s.Query(ctx, pred, ordering, 5, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, int64(3), page.Total)

	page, err = s.Query(ctx, pred, ordering, math.MaxInt/2, 20)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, math.MaxInt/2, page.Page)
}

func TestKeyStore_ListByField(t *testing.T) {
	ctx := context.Background()
	s := NewKeyStore(nil)
	require.NoError(t, s.Insert(ctx, newKey(t, "u1", "c1", nil)))
	require.NoError(t, s.Insert(ctx, newKey(t, "u1", "c2", nil)))
	require.NoError(t, s.Insert(ctx, newKey(t, "u2", "c1", nil)))

	keys, err := s.ListByField(ctx, query.FieldPath(query.FieldUserID), "u1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "u1__c1", keys[0].ID)
	assert.Equal(t, "u1__c2", keys[1].ID)

	keys, err = s.ListByField(ctx, query.FieldPath(query.FieldClientID), "nobody")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
