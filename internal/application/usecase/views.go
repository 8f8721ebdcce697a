package usecase

import (
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

// MessageView 消息的对外表示（事件载荷、API 响应与导出共用）
type MessageView struct {
	ID              string                   `json:"id" yaml:"id"`
	ConversationID  string                   `json:"conversation_id" yaml:"conversation_id"`
	SenderID        string                   `json:"sender_id" yaml:"sender_id"`
	Sequence        int64                    `json:"sequence" yaml:"sequence"`
	Content         string                   `json:"content" yaml:"content"`
	Attachments     []valueobject.Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	ParentMessageID string                   `json:"parent_message_id,omitempty" yaml:"parent_message_id,omitempty"`
	ForwardedFromID string                   `json:"forwarded_from_id,omitempty" yaml:"forwarded_from_id,omitempty"`
	CreatedAt       time.Time                `json:"created_at" yaml:"created_at"`
	EditedAt        *time.Time               `json:"edited_at,omitempty" yaml:"edited_at,omitempty"`
	DeletedAt       *time.Time               `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
	Deleted         bool                     `json:"deleted" yaml:"deleted"`
	Version         int64                    `json:"version" yaml:"version"`
}

// NewMessageView 转换消息
func NewMessageView(m *entity.Message) MessageView {
	return MessageView{
		ID:              m.ID(),
		ConversationID:  m.ConversationID(),
		SenderID:        m.SenderID(),
		Sequence:        m.Sequence(),
		Content:         m.Content(),
		Attachments:     m.Attachments(),
		ParentMessageID: m.ParentMessageID(),
		ForwardedFromID: m.ForwardedFromID(),
		CreatedAt:       m.CreatedAt(),
		EditedAt:        m.EditedAt(),
		DeletedAt:       m.DeletedAt(),
		Deleted:         m.IsDeleted(),
		Version:         m.Version(),
	}
}

// NewMessageViews 批量转换消息
func NewMessageViews(msgs []*entity.Message) []MessageView {
	views := make([]MessageView, len(msgs))
	for i, m := range msgs {
		views[i] = NewMessageView(m)
	}
	return views
}

// ConversationView 会话的对外表示
type ConversationView struct {
	ID            string                       `json:"id" yaml:"id"`
	Type          valueobject.ConversationType `json:"type" yaml:"type"`
	Name          string                       `json:"name" yaml:"name"`
	Description   string                       `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedBy     string                       `json:"created_by" yaml:"created_by"`
	CreatedAt     time.Time                    `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time                    `json:"updated_at" yaml:"updated_at"`
	LastMessageAt *time.Time                   `json:"last_message_at,omitempty" yaml:"last_message_at,omitempty"`
	GCEligibleAt  *time.Time                   `json:"gc_eligible_at,omitempty" yaml:"gc_eligible_at,omitempty"`
}

// NewConversationView 转换会话
func NewConversationView(c *entity.Conversation) ConversationView {
	return ConversationView{
		ID:            c.ID(),
		Type:          c.Type(),
		Name:          c.Name(),
		Description:   c.Description(),
		CreatedBy:     c.CreatedBy(),
		CreatedAt:     c.CreatedAt(),
		UpdatedAt:     c.UpdatedAt(),
		LastMessageAt: c.LastMessageAt(),
		GCEligibleAt:  c.GCEligibleAt(),
	}
}

// ParticipantView 成员记录的对外表示
type ParticipantView struct {
	UserID            string                      `json:"user_id"`
	Role              valueobject.ParticipantRole `json:"role"`
	JoinedAt          time.Time                   `json:"joined_at"`
	LeftAt            *time.Time                  `json:"left_at,omitempty"`
	MutedUntil        *time.Time                  `json:"muted_until,omitempty"`
	Pinned            bool                        `json:"pinned"`
	Archived          bool                        `json:"archived"`
	LastReadMessageID string                      `json:"last_read_message_id,omitempty"`
	LastReadSequence  int64                       `json:"last_read_sequence"`
}

// NewParticipantView 转换成员记录
func NewParticipantView(p *entity.Participant) ParticipantView {
	return ParticipantView{
		UserID:            p.UserID(),
		Role:              p.Role(),
		JoinedAt:          p.JoinedAt(),
		LeftAt:            p.LeftAt(),
		MutedUntil:        p.MutedUntil(),
		Pinned:            p.Pinned(),
		Archived:          p.Archived(),
		LastReadMessageID: p.LastReadMessageID(),
		LastReadSequence:  p.LastReadSequence(),
	}
}

// NewParticipantViews 批量转换成员记录
func NewParticipantViews(ps []*entity.Participant) []ParticipantView {
	views := make([]ParticipantView, len(ps))
	for i, p := range ps {
		views[i] = NewParticipantView(p)
	}
	return views
}
