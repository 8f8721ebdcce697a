package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// MemoryConversationRepository 内存实现的会话仓储（用于开发/测试）
type MemoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]*entity.Conversation
	// 单聊用户对键到会话ID
	directIndex map[string]string
	// 会话ID到成员记录（按加入顺序）
	participants map[string][]*entity.Participant
}

// NewMemoryConversationRepository 创建内存会话仓储
func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{
		conversations: make(map[string]*entity.Conversation),
		directIndex:   make(map[string]string),
		participants:  make(map[string][]*entity.Participant),
	}
}

var _ repository.ConversationRepository = (*MemoryConversationRepository)(nil)

// Create 创建会话及其初始成员
func (r *MemoryConversationRepository) Create(ctx context.Context, conversation *entity.Conversation, participants []*entity.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conversations[conversation.ID()]; ok {
		return errors.NewAlreadyExistsError("conversation already exists")
	}
	if key := conversation.DirectKey(); key != "" {
		if _, ok := r.directIndex[key]; ok {
			return errors.NewAlreadyExistsError("direct conversation already exists")
		}
		r.directIndex[key] = conversation.ID()
	}

	r.conversations[conversation.ID()] = cloneConversation(conversation)
	rows := make([]*entity.Participant, 0, len(participants))
	for _, p := range participants {
		rows = append(rows, p.Clone())
	}
	r.participants[conversation.ID()] = rows
	return nil
}

// FindByID 根据ID查找会话
func (r *MemoryConversationRepository) FindByID(ctx context.Context, id string) (*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil, errors.NewNotFoundError("conversation not found")
	}
	return cloneConversation(conv), nil
}

// FindByIDs 批量查找会话
func (r *MemoryConversationRepository) FindByIDs(ctx context.Context, ids []string) ([]*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*entity.Conversation, 0, len(ids))
	for _, id := range ids {
		if conv, ok := r.conversations[id]; ok {
			result = append(result, cloneConversation(conv))
		}
	}
	return result, nil
}

// FindDirect 根据用户对键查找单聊
func (r *MemoryConversationRepository) FindDirect(ctx context.Context, directKey string) (*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.directIndex[directKey]
	if !ok {
		return nil, errors.NewNotFoundError("direct conversation not found")
	}
	return cloneConversation(r.conversations[id]), nil
}

// FindAll 查找全部会话，按创建时间排序
func (r *MemoryConversationRepository) FindAll(ctx context.Context) ([]*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*entity.Conversation, 0, len(r.conversations))
	for _, conv := range r.conversations {
		result = append(result, cloneConversation(conv))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt().Equal(result[j].CreatedAt()) {
			return result[i].ID() < result[j].ID()
		}
		return result[i].CreatedAt().Before(result[j].CreatedAt())
	})
	return result, nil
}

// Update 更新会话元数据
func (r *MemoryConversationRepository) Update(ctx context.Context, conversation *entity.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conversations[conversation.ID()]; !ok {
		return errors.NewNotFoundError("conversation not found")
	}
	r.conversations[conversation.ID()] = cloneConversation(conversation)
	return nil
}

// TouchLastMessage 推进最后消息时间
func (r *MemoryConversationRepository) TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return errors.NewNotFoundError("conversation not found")
	}
	conv.TouchLastMessage(at)
	return nil
}

// FindParticipant 查找用户最新的成员记录
func (r *MemoryConversationRepository) FindParticipant(ctx context.Context, conversationID, userID string) (*entity.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := r.participants[conversationID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].UserID() == userID {
			return rows[i].Clone(), nil
		}
	}
	return nil, errors.NewNotFoundError("participant not found")
}

// ListParticipants 列出会话成员记录
func (r *MemoryConversationRepository) ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]*entity.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := r.participants[conversationID]
	result := make([]*entity.Participant, 0, len(rows))
	for _, p := range rows {
		if activeOnly && !p.IsActive() {
			continue
		}
		result = append(result, p.Clone())
	}
	return result, nil
}

// ListMemberships 列出用户的活跃成员记录
func (r *MemoryConversationRepository) ListMemberships(ctx context.Context, userID string) ([]*entity.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*entity.Participant
	for _, rows := range r.participants {
		for _, p := range rows {
			if p.UserID() == userID && p.IsActive() {
				result = append(result, p.Clone())
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ConversationID() < result[j].ConversationID() })
	return result, nil
}

// SaveParticipant 新建或更新成员记录
func (r *MemoryConversationRepository) SaveParticipant(ctx context.Context, participant *entity.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	convID := participant.ConversationID()
	if _, ok := r.conversations[convID]; !ok {
		return errors.NewNotFoundError("conversation not found")
	}
	rows := r.participants[convID]
	for i, p := range rows {
		if p.ID() == participant.ID() {
			rows[i] = participant.Clone()
			return nil
		}
	}
	r.participants[convID] = append(rows, participant.Clone())
	return nil
}

// AdvanceReadPosition 条件推进已读位置
func (r *MemoryConversationRepository) AdvanceReadPosition(ctx context.Context, conversationID, userID, messageID string, sequence int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.participants[conversationID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].UserID() == userID && rows[i].IsActive() {
			return rows[i].AdvanceRead(messageID, sequence), nil
		}
	}
	return false, errors.NewNotFoundError("participant not found")
}

func cloneConversation(c *entity.Conversation) *entity.Conversation {
	return entity.ReconstructConversation(
		c.ID(), c.Type(), c.Name(), c.Description(), c.CreatedBy(), c.DirectKey(),
		c.CreatedAt(), c.UpdatedAt(), c.LastMessageAt(), c.GCEligibleAt(),
	)
}
