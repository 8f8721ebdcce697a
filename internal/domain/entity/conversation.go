package entity

import (
	"strings"
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

// Conversation 会话实体
type Conversation struct {
	id            string
	convType      valueobject.ConversationType
	name          string
	description   string
	createdBy     string
	directKey     string
	createdAt     time.Time
	updatedAt     time.Time
	lastMessageAt *time.Time
	gcEligibleAt  *time.Time
}

// NewGroupConversation 创建群聊（工厂方法）
func NewGroupConversation(id, name, createdBy string, now time.Time) (*Conversation, error) {
	if id == "" {
		return nil, ErrInvalidConversationID
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrGroupNameRequired
	}
	if createdBy == "" {
		return nil, ErrInvalidUserID
	}

	return &Conversation{
		id:        id,
		convType:  valueobject.ConversationTypeGroup,
		name:      name,
		createdBy: createdBy,
		createdAt: now,
		updatedAt: now,
	}, nil
}

// NewDirectConversation 创建单聊（工厂方法），名称由双方显示名派生
func NewDirectConversation(id string, a, b valueobject.UserProfile, now time.Time) (*Conversation, error) {
	if id == "" {
		return nil, ErrInvalidConversationID
	}
	if a.ID == "" || b.ID == "" || a.ID == b.ID {
		return nil, ErrInvalidUserID
	}

	return &Conversation{
		id:        id,
		convType:  valueobject.ConversationTypeDirect,
		name:      valueobject.DirectName(a, b),
		createdBy: a.ID,
		directKey: valueobject.DirectKey(a.ID, b.ID),
		createdAt: now,
		updatedAt: now,
	}, nil
}

// ReconstructConversation 重建会话（用于从持久化层恢复）
func ReconstructConversation(
	id string,
	convType valueobject.ConversationType,
	name, description, createdBy, directKey string,
	createdAt, updatedAt time.Time,
	lastMessageAt, gcEligibleAt *time.Time,
) *Conversation {
	return &Conversation{
		id:            id,
		convType:      convType,
		name:          name,
		description:   description,
		createdBy:     createdBy,
		directKey:     directKey,
		createdAt:     createdAt,
		updatedAt:     updatedAt,
		lastMessageAt: copyTime(lastMessageAt),
		gcEligibleAt:  copyTime(gcEligibleAt),
	}
}

// ID 返回会话ID
func (c *Conversation) ID() string { return c.id }

// Type 返回会话类型
func (c *Conversation) Type() valueobject.ConversationType { return c.convType }

// Name 返回会话名称
func (c *Conversation) Name() string { return c.name }

// Description 返回会话描述
func (c *Conversation) Description() string { return c.description }

// CreatedBy 返回创建者
func (c *Conversation) CreatedBy() string { return c.createdBy }

// DirectKey 返回单聊用户对键，群聊为空
func (c *Conversation) DirectKey() string { return c.directKey }

// CreatedAt 返回创建时间
func (c *Conversation) CreatedAt() time.Time { return c.createdAt }

// UpdatedAt 返回更新时间
func (c *Conversation) UpdatedAt() time.Time { return c.updatedAt }

// LastMessageAt 返回最后消息时间
func (c *Conversation) LastMessageAt() *time.Time { return copyTime(c.lastMessageAt) }

// GCEligibleAt 返回可回收标记时间
func (c *Conversation) GCEligibleAt() *time.Time { return copyTime(c.gcEligibleAt) }

// IsDirect 判断是否为单聊
func (c *Conversation) IsDirect() bool { return c.convType == valueobject.ConversationTypeDirect }

// ActivityAt 返回用于排序的活跃时间
func (c *Conversation) ActivityAt() time.Time {
	if c.lastMessageAt != nil {
		return *c.lastMessageAt
	}
	return c.createdAt
}

// Rename 修改群聊名称
func (c *Conversation) Rename(name string, now time.Time) error {
	if c.IsDirect() {
		return ErrDirectNameFixed
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrGroupNameRequired
	}
	c.name = name
	c.updatedAt = now
	return nil
}

// SetDescription 修改会话描述
func (c *Conversation) SetDescription(description string, now time.Time) {
	c.description = strings.TrimSpace(description)
	c.updatedAt = now
}

// TouchLastMessage 更新最后消息时间（只前进）
func (c *Conversation) TouchLastMessage(at time.Time) {
	if c.lastMessageAt == nil || at.After(*c.lastMessageAt) {
		t := at
		c.lastMessageAt = &t
	}
	c.updatedAt = at
}

// MarkGCEligible 标记为可回收（无活跃成员）
func (c *Conversation) MarkGCEligible(at time.Time) {
	if c.gcEligibleAt == nil {
		t := at
		c.gcEligibleAt = &t
	}
}

// ClearGCEligible 清除可回收标记
func (c *Conversation) ClearGCEligible() {
	c.gcEligibleAt = nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
