package repository

import (
	"context"
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

// MessageQuery 会话消息查询条件
type MessageQuery struct {
	ConversationID string
	From           *time.Time // 含
	To             *time.Time // 含
	AfterSequence  int64
	BeforeSequence int64 // 0 表示不限
	Limit          int   // 0 表示不限
	Descending     bool
}

// SearchQuery 消息全文检索条件
type SearchQuery struct {
	ConversationIDs []string // 必填，检索范围
	Terms           []string // 小写词项，任一命中即为候选
	SenderID        string
	From            *time.Time
	To              *time.Time
	Limit           int
}

// MessageRepository 消息仓储接口；消息与表情回应只由该仓储持有
type MessageRepository interface {
	// Append 追加消息并原子分配会话内下一个序号
	Append(ctx context.Context, message *entity.Message) error

	// FindByID 根据ID查找消息
	FindByID(ctx context.Context, id string) (*entity.Message, error)

	// UpdateIfVersion 以版本号做比较并交换，版本不符返回 CONFLICT
	UpdateIfVersion(ctx context.Context, message *entity.Message, expectedVersion int64) error

	// List 按序号查询会话消息
	List(ctx context.Context, query MessageQuery) ([]*entity.Message, error)

	// ListReplies 按序号升序列出话题回复
	ListReplies(ctx context.Context, rootMessageID string, afterSequence int64, limit int) ([]*entity.Message, error)

	// Latest 返回会话最新一条未删除消息，没有时返回 nil
	Latest(ctx context.Context, conversationID string) (*entity.Message, error)

	// CountUnread 统计序号大于 afterSequence 且非本人发送的未删除消息
	CountUnread(ctx context.Context, conversationID, userID string, afterSequence int64) (int64, error)

	// Search 返回命中任一词项的未删除候选消息（排序由领域服务完成）
	Search(ctx context.Context, query SearchQuery) ([]*entity.Message, error)

	// AddReaction 添加回应，已存在时返回 false
	AddReaction(ctx context.Context, reaction valueobject.Reaction) (bool, error)

	// RemoveReaction 移除回应，不存在时返回 false
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)

	// ListReactions 列出消息的全部回应
	ListReactions(ctx context.Context, messageID string) ([]valueobject.Reaction, error)
}

// Repositories 同一事务内的仓储集合
type Repositories struct {
	Conversations ConversationRepository
	Messages      MessageRepository
}

// Transactor 事务执行器；fn 返回错误时整体回滚
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}
