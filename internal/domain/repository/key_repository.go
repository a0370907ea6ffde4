// Package repository 定义领域仓储接口
// 仓储接口遵循 DDD 原则，定义领域对象的持久化契约
package repository

import (
	"context"

	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/domain/query"
)

// Page 表示一页查询结果及匹配总数
type Page struct {
	Items []*models.Key
	Total int64
	Page  int
	Size  int
}

// TotalPages 返回总页数
func (p *Page) TotalPages() int {
	if p.Size <= 0 {
		return 0
	}
	return int((p.Total + int64(p.Size) - 1) / int64(p.Size))
}

// KeyRepository 定义密钥记录仓储接口
// 仓储只负责持久化身份（每个 id 一条记录），不负责字段语义
// 实现类：
//   - internal/infrastructure/persistence/postgres/key_repo_impl.go
//   - internal/infrastructure/persistence/memory/key_store.go
//   - internal/infrastructure/persistence/redis/cached_key_repository.go（装饰器）
type KeyRepository interface {
	// Get 根据派生 id 查询密钥记录
	// 返回：
	//   - error: 记录不存在时返回 errors.ErrNotFound
	Get(ctx context.Context, id string) (*models.Key, error)

	// GetByAccessTokenValue 根据访问令牌值查询密钥记录
	// 返回：
	//   - error: 记录不存在时返回 errors.ErrNotFound
	GetByAccessTokenValue(ctx context.Context, value string) (*models.Key, error)

	// GetByRefreshTokenValue 根据刷新令牌值查询密钥记录
	// 返回：
	//   - error: 记录不存在时返回 errors.ErrNotFound
	GetByRefreshTokenValue(ctx context.Context, value string) (*models.Key, error)

	// Insert 插入新记录
	// 返回：
	//   - error: id 已存在时返回 errors.ErrConflict
	Insert(ctx context.Context, key *models.Key) error

	// Upsert 以 id 为键原子地插入或整体替换记录
	Upsert(ctx context.Context, key *models.Key) error

	// Remove 删除记录
	// 返回：
	//   - error: 记录不存在时返回 errors.ErrNotFound
	Remove(ctx context.Context, key *models.Key) error

	// Query 按谓词、排序和分页执行查询，返回当前页及匹配总数
	Query(ctx context.Context, pred query.Predicate, ordering []query.Order, page, size int) (*Page, error)

	// ListByField 返回指定字段等于 value 的全部记录
	// 用于按 userId、clientId、agencyCode 批量查询和吊销
	ListByField(ctx context.Context, path query.Path, value string) ([]*models.Key, error)
}
