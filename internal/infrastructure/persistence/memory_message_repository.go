package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// MemoryMessageRepository 内存实现的消息仓储（用于开发/测试）
type MemoryMessageRepository struct {
	mu       sync.RWMutex
	messages map[string]*entity.Message
	// 会话ID到消息ID列表的映射（按序号升序）
	convMessages map[string][]string
	// 会话当前最大序号
	sequences map[string]int64
	// 消息ID到回应列表
	reactions map[string][]valueobject.Reaction
}

// NewMemoryMessageRepository 创建内存消息仓储
func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		messages:     make(map[string]*entity.Message),
		convMessages: make(map[string][]string),
		sequences:    make(map[string]int64),
		reactions:    make(map[string][]valueobject.Reaction),
	}
}

var _ repository.MessageRepository = (*MemoryMessageRepository)(nil)

// Append 追加消息并分配序号
func (r *MemoryMessageRepository) Append(ctx context.Context, message *entity.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.messages[message.ID()]; ok {
		return errors.NewAlreadyExistsError("message already exists")
	}

	convID := message.ConversationID()
	r.sequences[convID]++
	message.AssignSequence(r.sequences[convID])

	r.messages[message.ID()] = message.Clone()
	r.convMessages[convID] = append(r.convMessages[convID], message.ID())
	return nil
}

// FindByID 根据ID查找消息
func (r *MemoryMessageRepository) FindByID(ctx context.Context, id string) (*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	message, ok := r.messages[id]
	if !ok {
		return nil, errors.NewNotFoundError("message not found")
	}
	return message.Clone(), nil
}

// UpdateIfVersion 版本匹配时写入
func (r *MemoryMessageRepository) UpdateIfVersion(ctx context.Context, message *entity.Message, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.messages[message.ID()]
	if !ok {
		return errors.NewNotFoundError("message not found")
	}
	if current.Version() != expectedVersion {
		return errors.NewConflictError("message was modified concurrently")
	}
	r.messages[message.ID()] = message.Clone()
	return nil
}

// List 按序号查询会话消息
func (r *MemoryMessageRepository) List(ctx context.Context, query repository.MessageQuery) ([]*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.convMessages[query.ConversationID]
	result := make([]*entity.Message, 0)
	visit := func(msg *entity.Message) bool {
		if query.AfterSequence > 0 && msg.Sequence() <= query.AfterSequence {
			return true
		}
		if query.BeforeSequence > 0 && msg.Sequence() >= query.BeforeSequence {
			return true
		}
		if query.From != nil && msg.CreatedAt().Before(*query.From) {
			return true
		}
		if query.To != nil && msg.CreatedAt().After(*query.To) {
			return true
		}
		result = append(result, msg.Clone())
		return query.Limit <= 0 || len(result) < query.Limit
	}

	if query.Descending {
		for i := len(ids) - 1; i >= 0; i-- {
			if !visit(r.messages[ids[i]]) {
				break
			}
		}
	} else {
		for _, id := range ids {
			if !visit(r.messages[id]) {
				break
			}
		}
	}
	return result, nil
}

// ListReplies 列出话题回复
func (r *MemoryMessageRepository) ListReplies(ctx context.Context, rootMessageID string, afterSequence int64, limit int) ([]*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	root, ok := r.messages[rootMessageID]
	if !ok {
		return nil, errors.NewNotFoundError("message not found")
	}

	result := make([]*entity.Message, 0)
	for _, id := range r.convMessages[root.ConversationID()] {
		msg := r.messages[id]
		if msg.ParentMessageID() != rootMessageID || msg.Sequence() <= afterSequence {
			continue
		}
		result = append(result, msg.Clone())
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Latest 返回最新一条未删除消息
func (r *MemoryMessageRepository) Latest(ctx context.Context, conversationID string) (*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.convMessages[conversationID]
	for i := len(ids) - 1; i >= 0; i-- {
		if msg := r.messages[ids[i]]; !msg.IsDeleted() {
			return msg.Clone(), nil
		}
	}
	return nil, nil
}

// CountUnread 统计未读消息
func (r *MemoryMessageRepository) CountUnread(ctx context.Context, conversationID, userID string, afterSequence int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var count int64
	for _, id := range r.convMessages[conversationID] {
		msg := r.messages[id]
		if msg.Sequence() > afterSequence && msg.SenderID() != userID && !msg.IsDeleted() {
			count++
		}
	}
	return count, nil
}

// Search 子串匹配候选消息
func (r *MemoryMessageRepository) Search(ctx context.Context, query repository.SearchQuery) ([]*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*entity.Message, 0)
	for _, convID := range query.ConversationIDs {
		for _, id := range r.convMessages[convID] {
			msg := r.messages[id]
			if msg.IsDeleted() {
				continue
			}
			if query.SenderID != "" && msg.SenderID() != query.SenderID {
				continue
			}
			if query.From != nil && msg.CreatedAt().Before(*query.From) {
				continue
			}
			if query.To != nil && msg.CreatedAt().After(*query.To) {
				continue
			}
			if !containsAny(strings.ToLower(msg.Content()), query.Terms) {
				continue
			}
			result = append(result, msg.Clone())
		}
	}

	// 与 GORM 实现保持一致：最新优先截断
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt().After(result[j].CreatedAt()) })
	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

// AddReaction 添加回应
func (r *MemoryMessageRepository) AddReaction(ctx context.Context, reaction valueobject.Reaction) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.reactions[reaction.MessageID] {
		if existing.Key() == reaction.Key() {
			return false, nil
		}
	}
	r.reactions[reaction.MessageID] = append(r.reactions[reaction.MessageID], reaction)
	return true, nil
}

// RemoveReaction 移除回应
func (r *MemoryMessageRepository) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.reactions[messageID]
	for i, existing := range rows {
		if existing.UserID == userID && existing.Emoji == emoji {
			r.reactions[messageID] = append(rows[:i:i], rows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// ListReactions 列出消息回应
func (r *MemoryMessageRepository) ListReactions(ctx context.Context, messageID string) ([]valueobject.Reaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := r.reactions[messageID]
	result := make([]valueobject.Reaction, len(rows))
	copy(result, rows)
	return result, nil
}

func containsAny(content string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	for _, term := range terms {
		if term != "" && strings.Contains(content, term) {
			return true
		}
	}
	return false
}
