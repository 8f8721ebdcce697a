package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/persistence/models"
	domainErrors "github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
	"gorm.io/gorm"
)

// GormConversationRepository GORM 实现的会话仓储
type GormConversationRepository struct {
	db *gorm.DB
}

// NewGormConversationRepository 创建 GORM 会话仓储
func NewGormConversationRepository(db *gorm.DB) repository.ConversationRepository {
	return &GormConversationRepository{
		db: db,
	}
}

// Create 创建会话及其初始成员（同一事务）
func (r *GormConversationRepository) Create(ctx context.Context, conversation *entity.Conversation, participants []*entity.Participant) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conversationToModel(conversation)).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domainErrors.NewAlreadyExistsError("direct conversation already exists")
			}
			return storageError("create conversation", err)
		}
		for _, p := range participants {
			if err := tx.Create(participantToModel(p)).Error; err != nil {
				return storageError("create participant", err)
			}
		}
		return nil
	})
}

// FindByID 根据ID查找会话
func (r *GormConversationRepository) FindByID(ctx context.Context, id string) (*entity.Conversation, error) {
	var model models.ConversationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("conversation not found")
		}
		return nil, storageError("find conversation", err)
	}
	return conversationToEntity(&model), nil
}

// FindByIDs 批量查找会话
func (r *GormConversationRepository) FindByIDs(ctx context.Context, ids []string) ([]*entity.Conversation, error) {
	if len(ids) == 0 {
		return []*entity.Conversation{}, nil
	}
	var modelList []models.ConversationModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&modelList).Error; err != nil {
		return nil, storageError("find conversations", err)
	}
	return conversationsToEntities(modelList), nil
}

// FindDirect 根据用户对键查找单聊
func (r *GormConversationRepository) FindDirect(ctx context.Context, directKey string) (*entity.Conversation, error) {
	var model models.ConversationModel
	if err := r.db.WithContext(ctx).First(&model, "direct_key = ?", directKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("direct conversation not found")
		}
		return nil, storageError("find direct conversation", err)
	}
	return conversationToEntity(&model), nil
}

// FindAll 查找全部会话
func (r *GormConversationRepository) FindAll(ctx context.Context) ([]*entity.Conversation, error) {
	var modelList []models.ConversationModel
	if err := r.db.WithContext(ctx).Order("created_at asc, id asc").Find(&modelList).Error; err != nil {
		return nil, storageError("find conversations", err)
	}
	return conversationsToEntities(modelList), nil
}

// Update 更新会话元数据
func (r *GormConversationRepository) Update(ctx context.Context, conversation *entity.Conversation) error {
	result := r.db.WithContext(ctx).
		Model(&models.ConversationModel{}).
		Where("id = ?", conversation.ID()).
		Updates(map[string]interface{}{
			"name":           conversation.Name(),
			"description":    conversation.Description(),
			"updated_at":     conversation.UpdatedAt(),
			"gc_eligible_at": conversation.GCEligibleAt(),
		})
	if result.Error != nil {
		return storageError("update conversation", result.Error)
	}
	if result.RowsAffected == 0 {
		return domainErrors.NewNotFoundError("conversation not found")
	}
	return nil
}

// TouchLastMessage 推进最后消息时间（只前进）
func (r *GormConversationRepository) TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.ConversationModel{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at < ?)", conversationID, at).
		UpdateColumn("last_message_at", at).Error
	if err != nil {
		return storageError("touch conversation", err)
	}
	return nil
}

// FindParticipant 查找用户最新的成员记录
func (r *GormConversationRepository) FindParticipant(ctx context.Context, conversationID, userID string) (*entity.Participant, error) {
	var model models.ParticipantModel
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Order("joined_at desc, id desc").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("participant not found")
		}
		return nil, storageError("find participant", err)
	}
	return participantToEntity(&model), nil
}

// ListParticipants 列出会话成员记录
func (r *GormConversationRepository) ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]*entity.Participant, error) {
	query := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if activeOnly {
		query = query.Where("left_at IS NULL")
	}
	var modelList []models.ParticipantModel
	if err := query.Order("joined_at asc, id asc").Find(&modelList).Error; err != nil {
		return nil, storageError("list participants", err)
	}
	return participantsToEntities(modelList), nil
}

// ListMemberships 列出用户的活跃成员记录
func (r *GormConversationRepository) ListMemberships(ctx context.Context, userID string) ([]*entity.Participant, error) {
	var modelList []models.ParticipantModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND left_at IS NULL", userID).
		Order("conversation_id asc").
		Find(&modelList).Error
	if err != nil {
		return nil, storageError("list memberships", err)
	}
	return participantsToEntities(modelList), nil
}

// SaveParticipant 新建或更新成员记录
func (r *GormConversationRepository) SaveParticipant(ctx context.Context, participant *entity.Participant) error {
	// 使用 Save 支持创建或更新
	if err := r.db.WithContext(ctx).Save(participantToModel(participant)).Error; err != nil {
		return storageError("save participant", err)
	}
	return nil
}

// AdvanceReadPosition 条件更新，仅当新序号更大时生效
func (r *GormConversationRepository) AdvanceReadPosition(ctx context.Context, conversationID, userID, messageID string, sequence int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ParticipantModel{}).
		Where("conversation_id = ? AND user_id = ? AND left_at IS NULL AND last_read_sequence < ?", conversationID, userID, sequence).
		Updates(map[string]interface{}{
			"last_read_message_id": messageID,
			"last_read_sequence":   sequence,
		})
	if result.Error != nil {
		return false, storageError("advance read position", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// 转换方法

func conversationToModel(c *entity.Conversation) *models.ConversationModel {
	model := &models.ConversationModel{
		ID:            c.ID(),
		Type:          string(c.Type()),
		Name:          c.Name(),
		Description:   c.Description(),
		CreatedBy:     c.CreatedBy(),
		CreatedAt:     c.CreatedAt(),
		UpdatedAt:     c.UpdatedAt(),
		LastMessageAt: c.LastMessageAt(),
		GCEligibleAt:  c.GCEligibleAt(),
	}
	if key := c.DirectKey(); key != "" {
		model.DirectKey = &key
	}
	return model
}

func conversationToEntity(m *models.ConversationModel) *entity.Conversation {
	directKey := ""
	if m.DirectKey != nil {
		directKey = *m.DirectKey
	}
	return entity.ReconstructConversation(
		m.ID,
		valueobject.ConversationType(m.Type),
		m.Name,
		m.Description,
		m.CreatedBy,
		directKey,
		m.CreatedAt,
		m.UpdatedAt,
		m.LastMessageAt,
		m.GCEligibleAt,
	)
}

func conversationsToEntities(modelList []models.ConversationModel) []*entity.Conversation {
	result := make([]*entity.Conversation, 0, len(modelList))
	for i := range modelList {
		result = append(result, conversationToEntity(&modelList[i]))
	}
	return result
}

func participantToModel(p *entity.Participant) *models.ParticipantModel {
	s := p.State()
	return &models.ParticipantModel{
		ID:                s.ID,
		ConversationID:    s.ConversationID,
		UserID:            s.UserID,
		Role:              string(s.Role),
		JoinedAt:          s.JoinedAt,
		LeftAt:            s.LeftAt,
		MutedUntil:        s.MutedUntil,
		Pinned:            s.Pinned,
		Archived:          s.Archived,
		LastReadMessageID: s.LastReadMessageID,
		LastReadSequence:  s.LastReadSequence,
	}
}

func participantToEntity(m *models.ParticipantModel) *entity.Participant {
	return entity.ReconstructParticipant(entity.ParticipantState{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		UserID:            m.UserID,
		Role:              valueobject.ParticipantRole(m.Role),
		JoinedAt:          m.JoinedAt,
		LeftAt:            m.LeftAt,
		MutedUntil:        m.MutedUntil,
		Pinned:            m.Pinned,
		Archived:          m.Archived,
		LastReadMessageID: m.LastReadMessageID,
		LastReadSequence:  m.LastReadSequence,
	})
}

func participantsToEntities(modelList []models.ParticipantModel) []*entity.Participant {
	result := make([]*entity.Participant, 0, len(modelList))
	for i := range modelList {
		result = append(result, participantToEntity(&modelList[i]))
	}
	return result
}

// storageError 存储层故障统一报告为 UNAVAILABLE，不做重试
func storageError(op string, err error) error {
	return domainErrors.NewUnavailableError("failed to "+op, err)
}
