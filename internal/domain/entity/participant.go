package entity

import (
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

// Participant 会话成员记录（每次加入一条，离开后不再复用）
type Participant struct {
	id                string
	conversationID    string
	userID            string
	role              valueobject.ParticipantRole
	joinedAt          time.Time
	leftAt            *time.Time
	mutedUntil        *time.Time
	pinned            bool
	archived          bool
	lastReadMessageID string
	lastReadSequence  int64
}

// NewParticipant 创建成员记录（工厂方法）
func NewParticipant(id, conversationID, userID string, role valueobject.ParticipantRole, joinedAt time.Time) (*Participant, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}

	return &Participant{
		id:             id,
		conversationID: conversationID,
		userID:         userID,
		role:           role,
		joinedAt:       joinedAt,
	}, nil
}

// ParticipantState 成员记录的持久化状态
type ParticipantState struct {
	ID                string
	ConversationID    string
	UserID            string
	Role              valueobject.ParticipantRole
	JoinedAt          time.Time
	LeftAt            *time.Time
	MutedUntil        *time.Time
	Pinned            bool
	Archived          bool
	LastReadMessageID string
	LastReadSequence  int64
}

// ReconstructParticipant 重建成员记录（用于从持久化层恢复）
func ReconstructParticipant(s ParticipantState) *Participant {
	return &Participant{
		id:                s.ID,
		conversationID:    s.ConversationID,
		userID:            s.UserID,
		role:              s.Role,
		joinedAt:          s.JoinedAt,
		leftAt:            copyTime(s.LeftAt),
		mutedUntil:        copyTime(s.MutedUntil),
		pinned:            s.Pinned,
		archived:          s.Archived,
		lastReadMessageID: s.LastReadMessageID,
		lastReadSequence:  s.LastReadSequence,
	}
}

// State 导出持久化状态
func (p *Participant) State() ParticipantState {
	return ParticipantState{
		ID:                p.id,
		ConversationID:    p.conversationID,
		UserID:            p.userID,
		Role:              p.role,
		JoinedAt:          p.joinedAt,
		LeftAt:            copyTime(p.leftAt),
		MutedUntil:        copyTime(p.mutedUntil),
		Pinned:            p.pinned,
		Archived:          p.archived,
		LastReadMessageID: p.lastReadMessageID,
		LastReadSequence:  p.lastReadSequence,
	}
}

// Clone 返回副本
func (p *Participant) Clone() *Participant {
	return ReconstructParticipant(p.State())
}

// ID 返回记录ID
func (p *Participant) ID() string { return p.id }

// ConversationID 返回会话ID
func (p *Participant) ConversationID() string { return p.conversationID }

// UserID 返回用户ID
func (p *Participant) UserID() string { return p.userID }

// Role 返回会话内角色
func (p *Participant) Role() valueobject.ParticipantRole { return p.role }

// JoinedAt 返回加入时间
func (p *Participant) JoinedAt() time.Time { return p.joinedAt }

// LeftAt 返回离开时间
func (p *Participant) LeftAt() *time.Time { return copyTime(p.leftAt) }

// MutedUntil 返回静音截止时间
func (p *Participant) MutedUntil() *time.Time { return copyTime(p.mutedUntil) }

// Pinned 返回是否置顶
func (p *Participant) Pinned() bool { return p.pinned }

// Archived 返回是否归档
func (p *Participant) Archived() bool { return p.archived }

// LastReadMessageID 返回已读位置
func (p *Participant) LastReadMessageID() string { return p.lastReadMessageID }

// LastReadSequence 返回已读序号
func (p *Participant) LastReadSequence() int64 { return p.lastReadSequence }

// IsActive 判断是否仍在会话中
func (p *Participant) IsActive() bool { return p.leftAt == nil }

// IsAdmin 判断是否为活跃的会话管理员
func (p *Participant) IsAdmin() bool {
	return p.IsActive() && p.role == valueobject.ParticipantRoleAdmin
}

// IsMuted 判断在给定时间是否处于静音
func (p *Participant) IsMuted(now time.Time) bool {
	return p.mutedUntil != nil && p.mutedUntil.After(now)
}

// Leave 离开会话
func (p *Participant) Leave(at time.Time) error {
	if !p.IsActive() {
		return ErrParticipantInactive
	}
	t := at
	p.leftAt = &t
	return nil
}

// SetRole 修改会话内角色
func (p *Participant) SetRole(role valueobject.ParticipantRole) error {
	if !role.Valid() {
		return ErrInvalidRole
	}
	if !p.IsActive() {
		return ErrParticipantInactive
	}
	p.role = role
	return nil
}

// Mute 设置或清除静音；until 为空表示无限期
func (p *Participant) Mute(muted bool, until *time.Time) {
	if !muted {
		p.mutedUntil = nil
		return
	}
	if until == nil {
		t := valueobject.MuteForever
		p.mutedUntil = &t
		return
	}
	p.mutedUntil = copyTime(until)
}

// SetPinned 设置置顶
func (p *Participant) SetPinned(pinned bool) { p.pinned = pinned }

// SetArchived 设置归档
func (p *Participant) SetArchived(archived bool) { p.archived = archived }

// AdvanceRead 推进已读位置（只前进），返回是否推进
func (p *Participant) AdvanceRead(messageID string, sequence int64) bool {
	if sequence <= p.lastReadSequence {
		return false
	}
	p.lastReadMessageID = messageID
	p.lastReadSequence = sequence
	return true
}
