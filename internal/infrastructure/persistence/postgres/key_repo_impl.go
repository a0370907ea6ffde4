package postgres

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/domain/query"
	"github.com/turtacn/keystore/internal/domain/repository"
	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
	"gorm.io/gorm"
)

// KeyRepositoryImpl implements repository.KeyRepository on gorm. One row per
// key id lives in keystore_keys; scope and attributes live in child tables.
type KeyRepositoryImpl struct {
	db     *gorm.DB
	now    func() time.Time
	logger logger.Logger
}

// NewKeyRepository creates a gorm key repository. now feeds the expired sort
// flags; nil uses time.Now.
func NewKeyRepository(conn *DBConnection, now func() time.Time, log logger.Logger) *KeyRepositoryImpl {
	if now == nil {
		now = time.Now
	}
	return &KeyRepositoryImpl{
		db:     conn.DB(),
		now:    now,
		logger: log.WithComponent("KeyRepository"),
	}
}

// AutoMigrate creates or updates the key tables.
func (r *KeyRepositoryImpl) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&keyRecord{}, &scopeRecord{}, &attributeRecord{}); err != nil {
		return errors.StorageFailure("migrate", err)
	}
	return nil
}

func (r *KeyRepositoryImpl) withChildren(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Scopes", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Attributes")
}

func (r *KeyRepositoryImpl) findOne(ctx context.Context, op, column string, value interface{}) (*models.Key, error) {
	var rec keyRecord
	err := r.withChildren(r.db.WithContext(ctx)).
		Where(column+" = ?", value).
		Order("id ASC").
		Take(&rec).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("no key matches " + op)
	}
	if err != nil {
		r.logger.Error(ctx, "key lookup failed", err, logger.String("operation", op))
		return nil, errors.StorageFailure(op, err)
	}
	return rec.toKey(), nil
}

func (r *KeyRepositoryImpl) Get(ctx context.Context, id string) (*models.Key, error) {
	return r.findOne(ctx, "get", "id", id)
}

func (r *KeyRepositoryImpl) GetByAccessTokenValue(ctx context.Context, value string) (*models.Key, error) {
	return r.findOne(ctx, "get_by_access_token", "auth_token_value", value)
}

func (r *KeyRepositoryImpl) GetByRefreshTokenValue(ctx context.Context, value string) (*models.Key, error) {
	return r.findOne(ctx, "get_by_refresh_token", "ref_token_value", value)
}

// Insert stores a key whose id is not yet present.
func (r *KeyRepositoryImpl) Insert(ctx context.Context, key *models.Key) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&keyRecord{}).Where("id = ?", key.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return errors.Conflict(key.ID)
		}
		return createRecord(tx, toRecord(key))
	})
	return r.translate(ctx, "insert", key.ID, err)
}

// Upsert replaces the whole record for key.ID in one transaction.
func (r *KeyRepositoryImpl) Upsert(ctx context.Context, key *models.Key) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := deleteRecord(tx, key.ID); err != nil {
			return err
		}
		return createRecord(tx, toRecord(key))
	})
	return r.translate(ctx, "upsert", key.ID, err)
}

// Remove deletes the record for key.ID.
func (r *KeyRepositoryImpl) Remove(ctx context.Context, key *models.Key) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := deleteRecord(tx, key.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.NotFound("key " + key.ID + " not found")
		}
		return nil
	})
	return r.translate(ctx, "remove", key.ID, err)
}

func createRecord(tx *gorm.DB, rec *keyRecord) error {
	scopes, attrs := rec.Scopes, rec.Attributes
	rec.Scopes, rec.Attributes = nil, nil
	if err := tx.Create(rec).Error; err != nil {
		return err
	}
	if len(scopes) > 0 {
		if err := tx.Create(&scopes).Error; err != nil {
			return err
		}
	}
	if len(attrs) > 0 {
		if err := tx.Create(&attrs).Error; err != nil {
			return err
		}
	}
	return nil
}

func deleteRecord(tx *gorm.DB, id string) (int64, error) {
	if err := tx.Where("key_id = ?", id).Delete(&scopeRecord{}).Error; err != nil {
		return 0, err
	}
	if err := tx.Where("key_id = ?", id).Delete(&attributeRecord{}).Error; err != nil {
		return 0, err
	}
	res := tx.Where("id = ?", id).Delete(&keyRecord{})
	return res.RowsAffected, res.Error
}

func (r *KeyRepositoryImpl) translate(ctx context.Context, op, id string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Conflict(id)
	}
	r.logger.Error(ctx, "key write failed", err, logger.String("operation", op), logger.KeyID(id))
	return errors.StorageFailure(op, err)
}

// Query lowers pred and ordering to SQL and returns one page with the total match count.
func (r *KeyRepositoryImpl) Query(ctx context.Context, pred query.Predicate, ordering []query.Order, page, size int) (*repository.Page, error) {
	where, vars, err := lowerPredicate(pred)
	if err != nil {
		return nil, errors.BadParameter("query", err.Error())
	}
	orderBy, err := lowerOrdering(ordering, r.now())
	if err != nil {
		return nil, errors.BadParameter("sortBy", err.Error())
	}

	base := r.db.WithContext(ctx).Model(&keyRecord{}).Where(where, vars...)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		r.logger.Error(ctx, "key count failed", err, logger.String("predicate", describe(pred)))
		return nil, errors.StorageFailure("query", err)
	}

	var recs []keyRecord
	err = r.withChildren(base.Session(&gorm.Session{})).
		Order(orderBy).
		Offset(page * size).
		Limit(size).
		Find(&recs).Error
	if err != nil {
		r.logger.Error(ctx, "key query failed", err, logger.String("predicate", describe(pred)))
		return nil, errors.StorageFailure("query", err)
	}

	items := make([]*models.Key, 0, len(recs))
	for i := range recs {
		items = append(items, recs[i].toKey())
	}
	return &repository.Page{Items: items, Total: total, Page: page, Size: size}, nil
}

// ListByField returns every key whose value at path equals value, ordered by id.
func (r *KeyRepositoryImpl) ListByField(ctx context.Context, path query.Path, value string) ([]*models.Key, error) {
	where, vars, err := lowerPredicate(query.Eq(path, query.StringValue(value)))
	if err != nil {
		return nil, errors.BadParameter(path.String(), err.Error())
	}
	var recs []keyRecord
	err = r.withChildren(r.db.WithContext(ctx).Model(&keyRecord{})).
		Where(where, vars...).
		Order(keysTable + ".id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, errors.StorageFailure("list", err)
	}
	items := make([]*models.Key, 0, len(recs))
	for i := range recs {
		items = append(items, recs[i].toKey())
	}
	return items, nil
}

func describe(p query.Predicate) string {
	if p == nil {
		return query.All().String()
	}
	return p.String()
}

var _ repository.KeyRepository = (*KeyRepositoryImpl)(nil)
