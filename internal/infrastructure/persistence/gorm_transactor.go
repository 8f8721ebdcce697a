package persistence

import (
	"context"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/repository"
	"gorm.io/gorm"
)

// GormTransactor 基于 gorm 事务的执行器
type GormTransactor struct {
	db *gorm.DB
}

// NewGormTransactor 创建 GORM 事务执行器
func NewGormTransactor(db *gorm.DB) *GormTransactor {
	return &GormTransactor{db: db}
}

// WithinTransaction 在数据库事务内执行 fn，fn 返回错误时回滚
func (t *GormTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context, repos repository.Repositories) error) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewGormRepositories(tx))
	})
}

// NewGormRepositories 创建绑定到同一连接（或事务）的仓储集合
func NewGormRepositories(db *gorm.DB) repository.Repositories {
	return repository.Repositories{
		Conversations: NewGormConversationRepository(db),
		Messages:      NewGormMessageRepository(db),
	}
}
