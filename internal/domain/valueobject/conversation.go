package valueobject

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConversationType 会话类型
type ConversationType string

const (
	ConversationTypeDirect ConversationType = "direct"
	ConversationTypeGroup  ConversationType = "group"
)

// Valid 判断会话类型是否合法
func (t ConversationType) Valid() bool {
	return t == ConversationTypeDirect || t == ConversationTypeGroup
}

// ParticipantRole 会话内角色
type ParticipantRole string

const (
	ParticipantRoleMember ParticipantRole = "member"
	ParticipantRoleAdmin  ParticipantRole = "admin"
)

// Valid 判断会话内角色是否合法
func (r ParticipantRole) Valid() bool {
	return r == ParticipantRoleMember || r == ParticipantRoleAdmin
}

// MuteForever 表示无限期静音的哨兵时间
var MuteForever = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// DirectKey 返回无序用户对的唯一键
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// DirectName 根据双方显示名生成单聊名称
func DirectName(a, b UserProfile) string {
	names := []string{a.Name(), b.Name()}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Reaction 表情回应（messageID, userID, emoji 三元组集合语义）
type Reaction struct {
	MessageID string    `json:"message_id" yaml:"message_id"`
	UserID    string    `json:"user_id" yaml:"user_id"`
	Emoji     string    `json:"emoji" yaml:"emoji"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Key 返回集合键
func (r Reaction) Key() string {
	return r.MessageID + "|" + r.UserID + "|" + r.Emoji
}

// Timeframe 统计时间窗口
type Timeframe string

const (
	Timeframe24h Timeframe = "24h"
	Timeframe7d  Timeframe = "7d"
	Timeframe30d Timeframe = "30d"
)

// Timeframes 返回全部统计窗口
func Timeframes() []Timeframe {
	return []Timeframe{Timeframe24h, Timeframe7d, Timeframe30d}
}

// ParseTimeframe 解析统计窗口，空字符串默认为 7d
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return Timeframe7d, nil
	case Timeframe24h:
		return Timeframe24h, nil
	case Timeframe7d:
		return Timeframe7d, nil
	case Timeframe30d:
		return Timeframe30d, nil
	}
	return "", fmt.Errorf("unsupported timeframe %q", s)
}

// Window 返回窗口长度
func (t Timeframe) Window() time.Duration {
	switch t {
	case Timeframe24h:
		return 24 * time.Hour
	case Timeframe30d:
		return 30 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Bucket 返回分桶粒度
func (t Timeframe) Bucket() time.Duration {
	if t == Timeframe24h {
		return time.Hour
	}
	return 24 * time.Hour
}
