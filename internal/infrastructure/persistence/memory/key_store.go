// Package memory provides an in-process implementation of repository.KeyRepository.
// It evaluates predicates with query.Match and is used in development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/domain/query"
	"github.com/turtacn/keystore/internal/domain/repository"
	"github.com/turtacn/keystore/pkg/errors"
)

// KeyStore keeps keys in maps guarded by a RWMutex, with secondary indexes on
// token values. Every key handed in or out is cloned.
type KeyStore struct {
	mu        sync.RWMutex
	keys      map[string]*models.Key
	byAccess  map[string]string
	byRefresh map[string]string
	now       func() time.Time
}

var _ repository.KeyRepository = (*KeyStore)(nil)

// NewKeyStore creates an empty KeyStore. A nil clock uses time.Now; the clock
// only matters when ordering by the derived expired flags.
func NewKeyStore(now func() time.Time) *KeyStore {
	if now == nil {
		now = time.Now
	}
	return &KeyStore{
		keys:      make(map[string]*models.Key),
		byAccess:  make(map[string]string),
		byRefresh: make(map[string]string),
		now:       now,
	}
}

func (s *KeyStore) Get(ctx context.Context, id string) (*models.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, errors.NotFound("key " + id + " does not exist")
	}
	return k.Clone(), nil
}

func (s *KeyStore) GetByAccessTokenValue(ctx context.Context, value string) (*models.Key, error) {
	return s.getByIndex(s.byAccess, value, "access token does not exist")
}

func (s *KeyStore) GetByRefreshTokenValue(ctx context.Context, value string) (*models.Key, error) {
	return s.getByIndex(s.byRefresh, value, "refresh token does not exist")
}

func (s *KeyStore) getByIndex(index map[string]string, value, msg string) (*models.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := index[value]
	if !ok {
		return nil, errors.NotFound(msg)
	}
	return s.keys[id].Clone(), nil
}

func (s *KeyStore) Insert(ctx context.Context, key *models.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return errors.Conflict(key.ID)
	}
	if s.tokenTaken(key) {
		return errors.Conflict(key.ID)
	}
	s.put(key.Clone())
	return nil
}

func (s *KeyStore) Upsert(ctx context.Context, key *models.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokenTaken(key) {
		return errors.Conflict(key.ID)
	}
	if old, ok := s.keys[key.ID]; ok {
		s.unindex(old)
	}
	s.put(key.Clone())
	return nil
}

func (s *KeyStore) Remove(ctx context.Context, key *models.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.keys[key.ID]
	if !ok {
		return errors.NotFound("key " + key.ID + " does not exist")
	}
	s.unindex(old)
	delete(s.keys, key.ID)
	return nil
}

func (s *KeyStore) Query(ctx context.Context, pred query.Predicate, ordering []query.Order, page, size int) (*repository.Page, error) {
	s.mu.RLock()
	matched := make([]*models.Key, 0)
	for _, k := range s.keys {
		if query.Match(pred, k) {
			matched = append(matched, k.Clone())
		}
	}
	s.mu.RUnlock()

	query.Sort(matched, ordering, s.now())

	result := &repository.Page{Total: int64(len(matched)), Page: page, Size: size, Items: []*models.Key{}}
	if page < 0 || size < 1 || page > len(matched)/size {
		return result, nil
	}
	start := page * size
	if start >= len(matched) {
		return result, nil
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	result.Items = matched[start:end]
	return result, nil
}

func (s *KeyStore) ListByField(ctx context.Context, path query.Path, value string) ([]*models.Key, error) {
	pred := query.Eq(path, query.StringValue(value))
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Key, 0)
	for _, k := range s.keys {
		if query.Match(pred, k) {
			out = append(out, k.Clone())
		}
	}
	query.Sort(out, nil, s.now())
	return out, nil
}

// Len returns the number of stored keys.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// tokenTaken reports whether a token value of k is indexed to another key.
// Token values are unique across records, as in the SQL store.
func (s *KeyStore) tokenTaken(k *models.Key) bool {
	if id, ok := s.byAccess[k.AuthToken.Value]; ok && id != k.ID {
		return true
	}
	if k.RefToken != nil {
		if id, ok := s.byRefresh[k.RefToken.Value]; ok && id != k.ID {
			return true
		}
	}
	return false
}

func (s *KeyStore) put(k *models.Key) {
	s.keys[k.ID] = k
	s.byAccess[k.AuthToken.Value] = k.ID
	if k.RefToken != nil {
		s.byRefresh[k.RefToken.Value] = k.ID
	}
}

func (s *KeyStore) unindex(k *models.Key) {
	if s.byAccess[k.AuthToken.Value] == k.ID {
		delete(s.byAccess, k.AuthToken.Value)
	}
	if k.RefToken != nil && s.byRefresh[k.RefToken.Value] == k.ID {
		delete(s.byRefresh, k.RefToken.Value)
	}
}
