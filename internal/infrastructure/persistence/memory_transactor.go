package persistence

import (
	"context"
	"sync"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/repository"
)

// MemoryTransactor 内存事务执行器
//
// 事务之间互斥执行，但不提供回滚：调用方须在第一次写入前完成全部校验。
type MemoryTransactor struct {
	mu    sync.Mutex
	repos repository.Repositories
}

// NewMemoryTransactor 创建内存事务执行器
func NewMemoryTransactor(conversations *MemoryConversationRepository, messages *MemoryMessageRepository) *MemoryTransactor {
	return &MemoryTransactor{
		repos: repository.Repositories{
			Conversations: conversations,
			Messages:      messages,
		},
	}
}

// WithinTransaction 在互斥区内执行 fn
func (t *MemoryTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context, repos repository.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(ctx, t.repos)
}

// NewMemoryRepositories 创建一组共享的内存仓储及其事务执行器
func NewMemoryRepositories() (repository.Repositories, repository.Transactor) {
	conversations := NewMemoryConversationRepository()
	messages := NewMemoryMessageRepository()
	return repository.Repositories{Conversations: conversations, Messages: messages},
		NewMemoryTransactor(conversations, messages)
}
