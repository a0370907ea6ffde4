package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/domain/query"
	"github.com/turtacn/keystore/internal/domain/repository"
)

// MockKeyRepository is a testify mock of repository.KeyRepository.
type MockKeyRepository struct {
	mock.Mock
}

var _ repository.KeyRepository = (*MockKeyRepository)(nil)

func (m *MockKeyRepository) Get(ctx context.Context, id string) (*models.Key, error) {
	args := m.Called(ctx, id)
	return keyArg(args, 0), args.Error(1)
}

func (m *MockKeyRepository) GetByAccessTokenValue(ctx context.Context, value string) (*models.Key, error) {
	args := m.Called(ctx, value)
	return keyArg(args, 0), args.Error(1)
}

func (m *MockKeyRepository) GetByRefreshTokenValue(ctx context.Context, value string) (*models.Key, error) {
	args := m.Called(ctx, value)
	return keyArg(args, 0), args.Error(1)
}

func (m *MockKeyRepository) Insert(ctx context.Context, key *models.Key) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockKeyRepository) Upsert(ctx context.Context, key *models.Key) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockKeyRepository) Remove(ctx context.Context, key *models.Key) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockKeyRepository) Query(ctx context.Context, pred query.Predicate, ordering []query.Order, page, size int) (*repository.Page, error) {
	args := m.Called(ctx, pred, ordering, page, size)
	if p := args.Get(0); p != nil {
		return p.(*repository.Page), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockKeyRepository) ListByField(ctx context.Context, path query.Path, value string) ([]*models.Key, error) {
	args := m.Called(ctx, path, value)
	if keys := args.Get(0); keys != nil {
		return keys.([]*models.Key), args.Error(1)
	}
	return nil, args.Error(1)
}

func keyArg(args mock.Arguments, i int) *models.Key {
	if k := args.Get(i); k != nil {
		return k.(*models.Key)
	}
	return nil
}
