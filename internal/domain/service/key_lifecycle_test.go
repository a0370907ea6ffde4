package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/domain/service"
	"github.com/turtacn/keystore/internal/domain/service/mocks"
	"github.com/turtacn/keystore/internal/infrastructure/persistence/memory"
	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []constants.AuditEventType
}

func (a *recordingAudit) LogEvent(_ context.Context, e models.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e.EventType)
	return nil
}

type fixture struct {
	clock *testClock
	store *memory.KeyStore
	audit *recordingAudit
	mgr   service.KeyLifecycleManager
}

func newFixture() *fixture {
	clock := &testClock{now: time.Unix(1700000000, 0)}
	store := memory.NewKeyStore(clock.Now)
	audit := &recordingAudit{}
	gen := service.NewTokenGenerator(0, 0, clock.Now)
	mgr := service.NewKeyLifecycleManager(store, gen, logger.NewNoopLogger(),
		service.WithClock(clock.Now), service.WithAudit(audit))
	return &fixture{clock: clock, store: store, audit: audit, mgr: mgr}
}

var (
	u1c1   = models.Identity{UserID: "u1", ClientID: "c1"}
	scope1 = []models.Resource{models.NewResource("/orders", "GET")}
)

func TestCreate_ThenFindActive(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	created, err := f.mgr.Create(ctx, u1c1, scope1, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "u1__c1", created.ID)

	found, err := f.mgr.FindActive(ctx, u1c1)
	require.NoError(t, err)
	assert.True(t, created.Equal(found))
	assert.Equal(t, []constants.AuditEventType{constants.AuditEventKeyCreated}, f.audit.events)
}

func TestCreate_MissingIdentity(t *testing.T) {
	f := newFixture()
	for _, id := range []models.Identity{{UserID: "u1"}, {ClientID: "c1"}} {
		_, err := f.mgr.Create(context.Background(), id, nil, nil)
		assert.True(t, errors.Is(err, errors.ErrMissingIdentity))
	}
	assert.Equal(t, 0, f.store.Len())
}

func TestCreate_ReplacePreservesCreated(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.mgr.Create(ctx, u1c1, scope1, nil)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	second, err := f.mgr.Create(ctx, u1c1, scope1, map[string]string{"agencyCode": "A"})
	require.NoError(t, err)

	assert.Equal(t, first.Created, second.Created)
	assert.Greater(t, second.Modified, first.Modified)
	assert.NotEqual(t, first.AuthToken.Value, second.AuthToken.Value)
	assert.NotEqual(t, first.RefToken.Value, second.RefToken.Value)
	assert.Greater(t, second.AuthToken.Expiration, first.AuthToken.Expiration)
	assert.Greater(t, second.RefToken.Expiration, first.RefToken.Expiration)
	assert.Equal(t, 1, f.store.Len())

	_, err = f.mgr.FindActiveByAccessToken(ctx, first.AuthToken.Value)
	assert.True(t, errors.Is(err, errors.ErrNotFound), "old token no longer resolves")
	assert.Equal(t, constants.AuditEventKeyReplaced, f.audit.events[1])
}

func TestCreateFromRecord_TakesTokensVerbatim(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := f.clock.Now().Unix()

	existing, err := f.mgr.Create(ctx, u1c1, nil, nil)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	record := &models.Key{
		ID:        "forged-id",
		UserID:    "u1",
		ClientID:  "c1",
		AuthToken: models.NewAccessToken("imported-at", now+10, scope1),
		RefToken:  &models.RefreshToken{Value: "imported-ref", Expiration: now + 20},
		Created:   42,
	}
	stored, err := f.mgr.CreateFromRecord(ctx, record)
	require.NoError(t, err)

	assert.Equal(t, "u1__c1", stored.ID)
	assert.Equal(t, "imported-at", stored.AuthToken.Value)
	assert.Equal(t, now+10, stored.AuthToken.Expiration)
	assert.Equal(t, "imported-ref", stored.RefToken.Value)
	assert.Equal(t, existing.Created, stored.Created)

	_, err = f.mgr.CreateFromRecord(ctx, &models.Key{UserID: "u1"})
	assert.True(t, errors.Is(err, errors.ErrMissingIdentity))
	_, err = f.mgr.CreateFromRecord(ctx, nil)
	assert.True(t, errors.Is(err, errors.ErrMissingIdentity))
}

func TestFindActive_Transitions(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		f := newFixture()
		_, err := f.mgr.FindActive(ctx, u1c1)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
	})

	t.Run("access expired refresh alive keeps record", func(t *testing.T) {
		f := newFixture()
		_, err := f.mgr.Create(ctx, u1c1, nil, nil)
		require.NoError(t, err)
		f.clock.Advance(constants.AccessTokenLifetime + time.Second)

		_, err = f.mgr.FindActive(ctx, u1c1)
		assert.True(t, errors.Is(err, errors.ErrAccessExpired))
		_, err = f.store.Get(ctx, u1c1.ID())
		assert.NoError(t, err)
	})

	t.Run("both expired deletes record", func(t *testing.T) {
		f := newFixture()
		_, err := f.mgr.Create(ctx, u1c1, nil, nil)
		require.NoError(t, err)
		f.clock.Advance(constants.RefreshTokenLifetime + time.Second)

		_, err = f.mgr.FindActive(ctx, u1c1)
		assert.True(t, errors.Is(err, errors.ErrExpired))
		_, err = f.mgr.FindActive(ctx, u1c1)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		assert.Contains(t, f.audit.events, constants.AuditEventKeyExpiredRemoved)
	})

	t.Run("access expired and refresh missing deletes record", func(t *testing.T) {
		f := newFixture()
		now := f.clock.Now().Unix()
		_, err := f.mgr.CreateFromRecord(ctx, &models.Key{UserID: "u1", ClientID: "c1", AuthToken: models.NewAccessToken("v", now-1, nil)})
		require.NoError(t, err)

		_, err = f.mgr.FindActiveByAccessToken(ctx, "v")
		assert.True(t, errors.Is(err, errors.ErrExpired))
		assert.Equal(t, 0, f.store.Len())
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("mints new pair in place", func(t *testing.T) {
		f := newFixture()
		orig, err := f.mgr.Create(ctx, u1c1, scope1, map[string]string{"agencyCode": "A"})
		require.NoError(t, err)
		f.clock.Advance(constants.AccessTokenLifetime + time.Second)

		refreshed, err := f.mgr.RefreshByToken(ctx, orig.RefToken.Value)
		require.NoError(t, err)
		assert.Equal(t, orig.ID, refreshed.ID)
		assert.Equal(t, orig.Created, refreshed.Created)
		assert.Equal(t, f.clock.Now().Unix(), refreshed.Modified)
		assert.NotEqual(t, orig.AuthToken.Value, refreshed.AuthToken.Value)
		assert.NotEqual(t, orig.RefToken.Value, refreshed.RefToken.Value)
		assert.True(t, models.ScopeEqual(orig.AuthToken.Scope, refreshed.AuthToken.Scope))
		assert.Equal(t, orig.Attributes, refreshed.Attributes)

		found, err := f.mgr.FindActive(ctx, u1c1)
		require.NoError(t, err)
		assert.True(t, refreshed.Equal(found))
		_, err = f.mgr.RefreshByToken(ctx, orig.RefToken.Value)
		assert.True(t, errors.Is(err, errors.ErrNotFound), "old refresh token is spent")
	})

	t.Run("refresh expired with live access", func(t *testing.T) {
		f := newFixture()
		now := f.clock.Now().Unix()
		_, err := f.mgr.CreateFromRecord(ctx, &models.Key{
			UserID: "u1", ClientID: "c1",
			AuthToken: models.NewAccessToken("at", now+100, nil),
			RefToken:  &models.RefreshToken{Value: "ref", Expiration: now - 1},
		})
		require.NoError(t, err)

		_, err = f.mgr.Refresh(ctx, u1c1)
		assert.True(t, errors.Is(err, errors.ErrRefreshExpired))
		assert.Equal(t, 1, f.store.Len())
	})

	t.Run("dead key is removed", func(t *testing.T) {
		f := newFixture()
		_, err := f.mgr.Create(ctx, u1c1, nil, nil)
		require.NoError(t, err)
		f.clock.Advance(constants.RefreshTokenLifetime + time.Second)

		_, err = f.mgr.Refresh(ctx, u1c1)
		assert.True(t, errors.Is(err, errors.ErrExpired))
		assert.Equal(t, 0, f.store.Len())
	})

	t.Run("not found", func(t *testing.T) {
		f := newFixture()
		_, err := f.mgr.Refresh(ctx, u1c1)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
	})
}

func TestRevoke_EndToEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, u1c1, nil, map[string]string{})
	require.NoError(t, err)
	_, err = f.mgr.FindActive(ctx, u1c1)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Revoke(ctx, u1c1))
	_, err = f.mgr.FindActive(ctx, u1c1)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.True(t, errors.Is(f.mgr.Revoke(ctx, u1c1), errors.ErrNotFound))
}

func TestRevokeByToken(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	k, err := f.mgr.Create(ctx, u1c1, nil, nil)
	require.NoError(t, err)

	require.NoError(t, f.mgr.RevokeByToken(ctx, k.AuthToken.Value))
	assert.True(t, errors.Is(f.mgr.RevokeByToken(ctx, k.AuthToken.Value), errors.ErrNotFound))
}

func TestRevokeAll(t *testing.T) {
	ctx := context.Background()
	seed := func(f *fixture) {
		for i := 0; i < 3; i++ {
			agency := "A"
			if i == 2 {
				agency = "B"
			}
			_, err := f.mgr.Create(ctx, models.Identity{UserID: "u1", ClientID: fmt.Sprintf("c%d", i)}, nil, map[string]string{"agencyCode": agency})
			require.NoError(t, err)
		}
		_, err := f.mgr.Create(ctx, models.Identity{UserID: "u2", ClientID: "c0"}, nil, nil)
		require.NoError(t, err)
	}

	t.Run("by user", func(t *testing.T) {
		f := newFixture()
		seed(f)
		n, err := f.mgr.RevokeAllByUserID(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, 1, f.store.Len())
	})

	t.Run("by client", func(t *testing.T) {
		f := newFixture()
		seed(f)
		n, err := f.mgr.RevokeAllByClientID(ctx, "c0")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("by agency", func(t *testing.T) {
		f := newFixture()
		seed(f)
		n, err := f.mgr.RevokeAllByAgencyCode(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 2, f.store.Len())
	})

	t.Run("empty match set", func(t *testing.T) {
		f := newFixture()
		seed(f)
		_, err := f.mgr.RevokeAllByAgencyCode(ctx, "Z")
		assert.True(t, errors.Is(err, errors.ErrNotFound))
	})
}

func TestCreate_AddFailureRestoresPrior(t *testing.T) {
	ctx := context.Background()
	repo := new(mocks.MockKeyRepository)
	audit := new(mocks.MockAuditService)
	now := time.Unix(1700000000, 0)
	prior := &models.Key{ID: "u1__c1", UserID: "u1", ClientID: "c1", Created: 100}
	storeErr := errors.StorageFailure("upsert", fmt.Errorf("connection reset"))

	repo.On("Get", ctx, "u1__c1").Return(prior, nil).Once()
	repo.On("Upsert", ctx, mock.AnythingOfType("*models.Key")).Return(storeErr).Once()
	repo.On("Get", ctx, "u1__c1").Return(nil, errors.NotFound("gone")).Once()
	repo.On("Insert", ctx, prior).Return(nil).Once()
	audit.On("LogEvent", ctx, mock.MatchedBy(func(e models.AuditEvent) bool {
		return e.EventType == constants.AuditEventKeyAddFailure
	})).Return(nil).Once()

	mgr := service.NewKeyLifecycleManager(repo, service.NewTokenGenerator(0, 0, func() time.Time { return now }), logger.NewNoopLogger(),
		service.WithClock(func() time.Time { return now }), service.WithAudit(audit))

	_, err := mgr.Create(ctx, u1c1, nil, nil)
	assert.True(t, errors.Is(err, errors.ErrAddFailure))
	assert.True(t, errors.Is(err, errors.ErrStorageFailure))
	repo.AssertExpectations(t)
	audit.AssertExpectations(t)
}

func TestCreate_AddFailureCompensationFailureIsReported(t *testing.T) {
	ctx := context.Background()
	repo := new(mocks.MockKeyRepository)
	audit := new(mocks.MockAuditService)
	prior := &models.Key{ID: "u1__c1", UserID: "u1", ClientID: "c1", Created: 100}

	repo.On("Get", ctx, "u1__c1").Return(prior, nil).Once()
	repo.On("Upsert", ctx, mock.Anything).Return(fmt.Errorf("write failed")).Once()
	repo.On("Get", ctx, "u1__c1").Return(nil, errors.NotFound("gone")).Once()
	repo.On("Insert", ctx, prior).Return(fmt.Errorf("still failing")).Once()
	audit.On("LogEvent", ctx, mock.Anything).Return(nil).Twice()

	mgr := service.NewKeyLifecycleManager(repo, service.NewTokenGenerator(0, 0, nil), logger.NewNoopLogger(), service.WithAudit(audit))

	_, err := mgr.Create(ctx, u1c1, nil, nil)
	assert.True(t, errors.Is(err, errors.ErrAddFailure))
	repo.AssertExpectations(t)
	audit.AssertExpectations(t)

	var types []constants.AuditEventType
	for _, c := range audit.Calls {
		types = append(types, c.Arguments.Get(1).(models.AuditEvent).EventType)
	}
	assert.Equal(t, []constants.AuditEventType{constants.AuditEventKeyAddFailure, constants.AuditEventCompensationFailure}, types)
}

func TestCreate_PriorStillPresentSkipsCompensation(t *testing.T) {
	ctx := context.Background()
	repo := new(mocks.MockKeyRepository)
	prior := &models.Key{ID: "u1__c1", UserID: "u1", ClientID: "c1", Created: 100}

	repo.On("Get", ctx, "u1__c1").Return(prior, nil).Twice()
	repo.On("Upsert", ctx, mock.Anything).Return(fmt.Errorf("write failed")).Once()

	mgr := service.NewKeyLifecycleManager(repo, service.NewTokenGenerator(0, 0, nil), logger.NewNoopLogger())

	_, err := mgr.Create(ctx, u1c1, nil, nil)
	assert.True(t, errors.Is(err, errors.ErrAddFailure))
	repo.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
}
