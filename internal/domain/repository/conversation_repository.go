package repository

import (
	"context"
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
)

// ConversationRepository 会话仓储接口（遵循依赖倒置原则）
// 定义在领域层，实现在基础设施层；会话与成员记录只由该仓储持有
type ConversationRepository interface {
	// Create 创建会话及其初始成员；单聊用户对重复时返回 ALREADY_EXISTS
	Create(ctx context.Context, conversation *entity.Conversation, participants []*entity.Participant) error

	// FindByID 根据ID查找会话
	FindByID(ctx context.Context, id string) (*entity.Conversation, error)

	// FindByIDs 批量查找会话，缺失的ID被忽略
	FindByIDs(ctx context.Context, ids []string) ([]*entity.Conversation, error)

	// FindDirect 根据单聊用户对键查找会话
	FindDirect(ctx context.Context, directKey string) (*entity.Conversation, error)

	// FindAll 查找全部会话（监管视图使用）
	FindAll(ctx context.Context) ([]*entity.Conversation, error)

	// Update 更新会话元数据
	Update(ctx context.Context, conversation *entity.Conversation) error

	// TouchLastMessage 推进最后消息时间
	TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error

	// FindParticipant 查找用户在会话中最新的成员记录
	FindParticipant(ctx context.Context, conversationID, userID string) (*entity.Participant, error)

	// ListParticipants 列出会话成员记录；activeOnly 为 false 时包含历史记录
	ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]*entity.Participant, error)

	// ListMemberships 列出用户所有活跃成员记录
	ListMemberships(ctx context.Context, userID string) ([]*entity.Participant, error)

	// SaveParticipant 新建或更新成员记录
	SaveParticipant(ctx context.Context, participant *entity.Participant) error

	// AdvanceReadPosition 条件推进已读位置，仅当新序号更大时生效
	AdvanceReadPosition(ctx context.Context, conversationID, userID, messageID string, sequence int64) (bool, error)
}
