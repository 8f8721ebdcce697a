package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/persistence/models"
	domainErrors "github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormMessageRepository GORM 实现的消息仓储
type GormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建 GORM 消息仓储
func NewGormMessageRepository(db *gorm.DB) repository.MessageRepository {
	return &GormMessageRepository{
		db: db,
	}
}

// Append 在事务内递增会话序号并写入消息
func (r *GormMessageRepository) Append(ctx context.Context, message *entity.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextSequence(tx, message.ConversationID())
		if err != nil {
			return storageError("allocate sequence", err)
		}
		message.AssignSequence(seq)

		model, err := r.toModel(message)
		if err != nil {
			return err
		}
		if err := tx.Create(model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domainErrors.NewAlreadyExistsError("message already exists")
			}
			return storageError("append message", err)
		}
		return nil
	})
}

// nextSequence 分配会话内下一个序号
func nextSequence(tx *gorm.DB, conversationID string) (int64, error) {
	result := tx.Model(&models.ConversationSequenceModel{}).
		Where("conversation_id = ?", conversationID).
		UpdateColumn("last_sequence", gorm.Expr("last_sequence + 1"))
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		row := models.ConversationSequenceModel{ConversationID: conversationID, LastSequence: 1}
		if err := tx.Create(&row).Error; err != nil {
			return 0, err
		}
		return 1, nil
	}

	var row models.ConversationSequenceModel
	if err := tx.First(&row, "conversation_id = ?", conversationID).Error; err != nil {
		return 0, err
	}
	return row.LastSequence, nil
}

// FindByID 根据ID查找消息
func (r *GormMessageRepository) FindByID(ctx context.Context, id string) (*entity.Message, error) {
	var model models.MessageModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("message not found")
		}
		return nil, storageError("find message", err)
	}

	return r.toEntity(&model)
}

// UpdateIfVersion 以版本号比较并交换
func (r *GormMessageRepository) UpdateIfVersion(ctx context.Context, message *entity.Message, expectedVersion int64) error {
	model, err := r.toModel(message)
	if err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Model(&models.MessageModel{}).
		Where("id = ? AND version = ?", message.ID(), expectedVersion).
		Updates(map[string]interface{}{
			"content":     model.Content,
			"attachments": model.Attachments,
			"edited_at":   model.EditedAt,
			"deleted_at":  model.DeletedAt,
			"version":     model.Version,
		})
	if result.Error != nil {
		return storageError("update message", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, message.ID()); err != nil {
			return err
		}
		return domainErrors.NewConflictError("message was modified concurrently")
	}
	return nil
}

// List 按序号查询会话消息
func (r *GormMessageRepository) List(ctx context.Context, query repository.MessageQuery) ([]*entity.Message, error) {
	db := r.db.WithContext(ctx).Where("conversation_id = ?", query.ConversationID)
	if query.AfterSequence > 0 {
		db = db.Where("sequence > ?", query.AfterSequence)
	}
	if query.BeforeSequence > 0 {
		db = db.Where("sequence < ?", query.BeforeSequence)
	}
	if query.From != nil {
		db = db.Where("created_at >= ?", *query.From)
	}
	if query.To != nil {
		db = db.Where("created_at <= ?", *query.To)
	}
	if query.Descending {
		db = db.Order("sequence desc")
	} else {
		db = db.Order("sequence asc")
	}
	if query.Limit > 0 {
		db = db.Limit(query.Limit)
	}

	var modelList []models.MessageModel
	if err := db.Find(&modelList).Error; err != nil {
		return nil, storageError("list messages", err)
	}
	return r.toEntities(modelList)
}

// ListReplies 列出话题回复
func (r *GormMessageRepository) ListReplies(ctx context.Context, rootMessageID string, afterSequence int64, limit int) ([]*entity.Message, error) {
	db := r.db.WithContext(ctx).
		Where("parent_message_id = ? AND sequence > ?", rootMessageID, afterSequence).
		Order("sequence asc")
	if limit > 0 {
		db = db.Limit(limit)
	}

	var modelList []models.MessageModel
	if err := db.Find(&modelList).Error; err != nil {
		return nil, storageError("list replies", err)
	}
	return r.toEntities(modelList)
}

// Latest 返回最新一条未删除消息
func (r *GormMessageRepository) Latest(ctx context.Context, conversationID string) (*entity.Message, error) {
	var model models.MessageModel
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND deleted_at IS NULL", conversationID).
		Order("sequence desc").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, storageError("find latest message", err)
	}
	return r.toEntity(&model)
}

// CountUnread 统计未读消息
func (r *GormMessageRepository) CountUnread(ctx context.Context, conversationID, userID string, afterSequence int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.MessageModel{}).
		Where("conversation_id = ? AND sequence > ? AND sender_id <> ? AND deleted_at IS NULL", conversationID, afterSequence, userID).
		Count(&count).Error
	if err != nil {
		return 0, storageError("count unread messages", err)
	}
	return count, nil
}

// Search 以 LIKE 检索候选消息，最新优先
func (r *GormMessageRepository) Search(ctx context.Context, query repository.SearchQuery) ([]*entity.Message, error) {
	if len(query.ConversationIDs) == 0 {
		return []*entity.Message{}, nil
	}

	db := r.db.WithContext(ctx).
		Where("conversation_id IN ? AND deleted_at IS NULL", query.ConversationIDs)
	if query.SenderID != "" {
		db = db.Where("sender_id = ?", query.SenderID)
	}
	if query.From != nil {
		db = db.Where("created_at >= ?", *query.From)
	}
	if query.To != nil {
		db = db.Where("created_at <= ?", *query.To)
	}

	var clauses []string
	var args []interface{}
	for _, term := range query.Terms {
		if term == "" {
			continue
		}
		clauses = append(clauses, `LOWER(content) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	if len(clauses) > 0 {
		db = db.Where("("+strings.Join(clauses, " OR ")+")", args...)
	}

	db = db.Order("created_at desc")
	if query.Limit > 0 {
		db = db.Limit(query.Limit)
	}

	var modelList []models.MessageModel
	if err := db.Find(&modelList).Error; err != nil {
		return nil, storageError("search messages", err)
	}
	return r.toEntities(modelList)
}

// AddReaction 添加回应，唯一索引冲突时视为已存在
func (r *GormMessageRepository) AddReaction(ctx context.Context, reaction valueobject.Reaction) (bool, error) {
	model := models.ReactionModel{
		MessageID: reaction.MessageID,
		UserID:    reaction.UserID,
		Emoji:     reaction.Emoji,
		CreatedAt: reaction.CreatedAt,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return false, storageError("add reaction", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RemoveReaction 移除回应
func (r *GormMessageRepository) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Delete(&models.ReactionModel{})
	if result.Error != nil {
		return false, storageError("remove reaction", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListReactions 列出消息回应
func (r *GormMessageRepository) ListReactions(ctx context.Context, messageID string) ([]valueobject.Reaction, error) {
	var modelList []models.ReactionModel
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("id asc").
		Find(&modelList).Error
	if err != nil {
		return nil, storageError("list reactions", err)
	}

	reactions := make([]valueobject.Reaction, 0, len(modelList))
	for _, m := range modelList {
		reactions = append(reactions, valueobject.Reaction{
			MessageID: m.MessageID,
			UserID:    m.UserID,
			Emoji:     m.Emoji,
			CreatedAt: m.CreatedAt,
		})
	}
	return reactions, nil
}

// 转换方法

func (r *GormMessageRepository) toModel(message *entity.Message) (*models.MessageModel, error) {
	s := message.State()

	// 序列化附件
	attachments := ""
	if len(s.Attachments) > 0 {
		data, err := json.Marshal(s.Attachments)
		if err != nil {
			return nil, domainErrors.NewInternalError("failed to marshal attachments: " + err.Error())
		}
		attachments = string(data)
	}

	return &models.MessageModel{
		ID:              s.ID,
		ConversationID:  s.ConversationID,
		Sequence:        s.Sequence,
		SenderID:        s.SenderID,
		Content:         s.Content,
		Attachments:     attachments,
		ParentMessageID: s.ParentMessageID,
		ForwardedFromID: s.ForwardedFromID,
		CreatedAt:       s.CreatedAt,
		EditedAt:        s.EditedAt,
		DeletedAt:       s.DeletedAt,
		Version:         s.Version,
	}, nil
}

func (r *GormMessageRepository) toEntity(model *models.MessageModel) (*entity.Message, error) {
	var attachments []valueobject.Attachment
	if model.Attachments != "" {
		if err := json.Unmarshal([]byte(model.Attachments), &attachments); err != nil {
			return nil, domainErrors.NewInternalError("failed to unmarshal attachments: " + err.Error())
		}
	}

	return entity.ReconstructMessage(entity.MessageState{
		ID:              model.ID,
		ConversationID:  model.ConversationID,
		SenderID:        model.SenderID,
		Sequence:        model.Sequence,
		Content:         model.Content,
		Attachments:     attachments,
		ParentMessageID: model.ParentMessageID,
		ForwardedFromID: model.ForwardedFromID,
		CreatedAt:       model.CreatedAt,
		EditedAt:        model.EditedAt,
		DeletedAt:       model.DeletedAt,
		Version:         model.Version,
	}), nil
}

func (r *GormMessageRepository) toEntities(modelList []models.MessageModel) ([]*entity.Message, error) {
	messages := make([]*entity.Message, 0, len(modelList))
	for i := range modelList {
		msg, err := r.toEntity(&modelList[i])
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
