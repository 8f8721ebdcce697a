package models

import (
	"time"
)

// ConversationModel 数据库会话模型
type ConversationModel struct {
	ID          string  `gorm:"primaryKey;size:64"`
	Type        string  `gorm:"size:16;not null"`
	Name        string  `gorm:"size:255"`
	Description string  `gorm:"type:text"`
	CreatedBy   string  `gorm:"size:64;not null"`
	DirectKey   *string `gorm:"uniqueIndex;size:160"` // 仅单聊，群聊为 NULL
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// 最后消息时间，列表默认按此排序
	LastMessageAt *time.Time `gorm:"index"`
	GCEligibleAt  *time.Time
}

// TableName 指定表名
func (ConversationModel) TableName() string {
	return "conversations"
}

// ParticipantModel 数据库成员记录模型；每次加入一行
type ParticipantModel struct {
	ID                string `gorm:"primaryKey;size:64"`
	ConversationID    string `gorm:"index:idx_participant_conv_user;size:64;not null"`
	UserID            string `gorm:"index:idx_participant_conv_user;index;size:64;not null"`
	Role              string `gorm:"size:16;not null"`
	JoinedAt          time.Time
	LeftAt            *time.Time
	MutedUntil        *time.Time
	Pinned            bool
	Archived          bool
	LastReadMessageID string `gorm:"size:64"`
	LastReadSequence  int64
}

// TableName 指定表名
func (ParticipantModel) TableName() string {
	return "participants"
}

// MessageModel 数据库消息模型
//
// 软删除由领域层表达（DeletedAt 可见），不使用 gorm.DeletedAt。
type MessageModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	ConversationID  string `gorm:"uniqueIndex:idx_message_conv_seq;size:64;not null"`
	Sequence        int64  `gorm:"uniqueIndex:idx_message_conv_seq;not null"`
	SenderID        string `gorm:"index;size:64;not null"`
	Content         string `gorm:"type:text"`
	Attachments     string `gorm:"type:text"` // JSON encoded attachments
	ParentMessageID string `gorm:"index;size:64"`
	ForwardedFromID string `gorm:"size:64"`
	CreatedAt       time.Time
	EditedAt        *time.Time
	DeletedAt       *time.Time
	Version         int64 `gorm:"not null;default:1"`
}

// TableName 指定表名
func (MessageModel) TableName() string {
	return "messages"
}

// ReactionModel 数据库表情回应模型
type ReactionModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	MessageID string `gorm:"uniqueIndex:idx_reaction_unique;size:64;not null"`
	UserID    string `gorm:"uniqueIndex:idx_reaction_unique;size:64;not null"`
	Emoji     string `gorm:"uniqueIndex:idx_reaction_unique;size:64;not null"`
	CreatedAt time.Time
}

// TableName 指定表名
func (ReactionModel) TableName() string {
	return "message_reactions"
}

// ConversationSequenceModel 会话序号计数器
type ConversationSequenceModel struct {
	ConversationID string `gorm:"primaryKey;size:64"`
	LastSequence   int64  `gorm:"not null"`
}

// TableName 指定表名
func (ConversationSequenceModel) TableName() string {
	return "conversation_sequences"
}
