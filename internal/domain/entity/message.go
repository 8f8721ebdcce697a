package entity

import (
	"strings"
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

// Message 消息实体
//
// sequence 在会话内单调递增，由存储层在提交时分配；version 是乐观并发令牌，
// 每次编辑或删除递增一次。
type Message struct {
	id              string
	conversationID  string
	senderID        string
	sequence        int64
	content         string
	attachments     []valueobject.Attachment
	parentMessageID string
	forwardedFromID string
	createdAt       time.Time
	editedAt        *time.Time
	deletedAt       *time.Time
	version         int64
}

// NewMessage 创建新消息（工厂方法）
func NewMessage(
	id string,
	conversationID string,
	senderID string,
	content string,
	attachments []valueobject.Attachment,
	parentMessageID string,
	now time.Time,
) (*Message, error) {
	if id == "" {
		return nil, ErrInvalidMessageID
	}
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	if senderID == "" {
		return nil, ErrInvalidUserID
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	for _, att := range attachments {
		if !att.Valid() {
			return nil, ErrInvalidAttachment
		}
	}

	return &Message{
		id:              id,
		conversationID:  conversationID,
		senderID:        senderID,
		content:         content,
		attachments:     valueobject.CloneAttachments(attachments),
		parentMessageID: parentMessageID,
		createdAt:       now,
		version:         1,
	}, nil
}

// MessageState 消息的持久化状态
type MessageState struct {
	ID              string
	ConversationID  string
	SenderID        string
	Sequence        int64
	Content         string
	Attachments     []valueobject.Attachment
	ParentMessageID string
	ForwardedFromID string
	CreatedAt       time.Time
	EditedAt        *time.Time
	DeletedAt       *time.Time
	Version         int64
}

// ReconstructMessage 重建消息（用于从持久化层恢复）
func ReconstructMessage(s MessageState) *Message {
	return &Message{
		id:              s.ID,
		conversationID:  s.ConversationID,
		senderID:        s.SenderID,
		sequence:        s.Sequence,
		content:         s.Content,
		attachments:     valueobject.CloneAttachments(s.Attachments),
		parentMessageID: s.ParentMessageID,
		forwardedFromID: s.ForwardedFromID,
		createdAt:       s.CreatedAt,
		editedAt:        copyTime(s.EditedAt),
		deletedAt:       copyTime(s.DeletedAt),
		version:         s.Version,
	}
}

// State 导出持久化状态
func (m *Message) State() MessageState {
	return MessageState{
		ID:              m.id,
		ConversationID:  m.conversationID,
		SenderID:        m.senderID,
		Sequence:        m.sequence,
		Content:         m.content,
		Attachments:     valueobject.CloneAttachments(m.attachments),
		ParentMessageID: m.parentMessageID,
		ForwardedFromID: m.forwardedFromID,
		CreatedAt:       m.createdAt,
		EditedAt:        copyTime(m.editedAt),
		DeletedAt:       copyTime(m.deletedAt),
		Version:         m.version,
	}
}

// Clone 返回副本
func (m *Message) Clone() *Message {
	return ReconstructMessage(m.State())
}

// ID 返回消息ID
func (m *Message) ID() string { return m.id }

// ConversationID 返回会话ID
func (m *Message) ConversationID() string { return m.conversationID }

// SenderID 返回发送者
func (m *Message) SenderID() string { return m.senderID }

// Sequence 返回会话内序号
func (m *Message) Sequence() int64 { return m.sequence }

// Content 返回消息内容
func (m *Message) Content() string { return m.content }

// Attachments 返回附件列表（副本）
func (m *Message) Attachments() []valueobject.Attachment {
	return valueobject.CloneAttachments(m.attachments)
}

// ParentMessageID 返回话题根消息ID
func (m *Message) ParentMessageID() string { return m.parentMessageID }

// ForwardedFromID 返回转发来源消息ID
func (m *Message) ForwardedFromID() string { return m.forwardedFromID }

// CreatedAt 返回创建时间
func (m *Message) CreatedAt() time.Time { return m.createdAt }

// EditedAt 返回编辑时间
func (m *Message) EditedAt() *time.Time { return copyTime(m.editedAt) }

// DeletedAt 返回删除时间
func (m *Message) DeletedAt() *time.Time { return copyTime(m.deletedAt) }

// Version 返回乐观并发版本
func (m *Message) Version() int64 { return m.version }

// IsDeleted 判断是否已软删除
func (m *Message) IsDeleted() bool { return m.deletedAt != nil }

// IsReply 判断是否为话题回复
func (m *Message) IsReply() bool { return m.parentMessageID != "" }

// ThreadRootID 返回所属话题根；非回复消息返回自身ID
func (m *Message) ThreadRootID() string {
	if m.parentMessageID != "" {
		return m.parentMessageID
	}
	return m.id
}

// AssignSequence 由存储层在提交时写入序号
func (m *Message) AssignSequence(seq int64) { m.sequence = seq }

// MarkForwardedFrom 记录转发来源
func (m *Message) MarkForwardedFrom(sourceID string) { m.forwardedFromID = sourceID }

// Edit 编辑内容，不改变序号
func (m *Message) Edit(content string, at time.Time) error {
	if m.IsDeleted() {
		return ErrMessageDeleted
	}
	if strings.TrimSpace(content) == "" && len(m.attachments) == 0 {
		return ErrEmptyMessage
	}
	m.content = content
	t := at
	m.editedAt = &t
	m.version++
	return nil
}

// Redact 软删除：清空内容与附件，保留ID、序号与话题关系
func (m *Message) Redact(at time.Time) error {
	if m.IsDeleted() {
		return ErrMessageDeleted
	}
	m.content = ""
	m.attachments = nil
	t := at
	m.deletedAt = &t
	m.version++
	return nil
}
