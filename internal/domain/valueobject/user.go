package valueobject

import "strings"

// GlobalRole 全局用户角色（与会话内角色相互独立）
type GlobalRole string

const (
	GlobalRoleUser    GlobalRole = "user"
	GlobalRoleManager GlobalRole = "manager"
	GlobalRoleAdmin   GlobalRole = "admin"
)

// ParseGlobalRole 解析全局角色，未知值返回 false
func ParseGlobalRole(s string) (GlobalRole, bool) {
	switch GlobalRole(strings.ToLower(strings.TrimSpace(s))) {
	case GlobalRoleUser, "member", "":
		return GlobalRoleUser, true
	case GlobalRoleManager:
		return GlobalRoleManager, true
	case GlobalRoleAdmin:
		return GlobalRoleAdmin, true
	}
	return "", false
}

// Identity 请求身份值对象（不可变），由外部认证网关校验后传入
type Identity struct {
	userID   string
	role     GlobalRole
	officeID string
}

// NewIdentity 创建请求身份
func NewIdentity(userID string, role GlobalRole, officeID string) Identity {
	return Identity{
		userID:   userID,
		role:     role,
		officeID: officeID,
	}
}

// UserID 返回用户ID
func (i Identity) UserID() string {
	return i.userID
}

// Role 返回全局角色
func (i Identity) Role() GlobalRole {
	return i.role
}

// OfficeID 返回所属办公室
func (i Identity) OfficeID() string {
	return i.officeID
}

// IsZero 判断是否为空身份
func (i Identity) IsZero() bool {
	return i.userID == ""
}

// IsGlobalAdmin 判断是否为全局管理员
func (i Identity) IsGlobalAdmin() bool {
	return i.role == GlobalRoleAdmin
}

// HasOfficeAuthority 判断是否具备办公室级监管权限（manager/admin）
func (i Identity) HasOfficeAuthority() bool {
	return i.role == GlobalRoleManager || i.role == GlobalRoleAdmin
}

// Equals 值对象相等性比较
func (i Identity) Equals(other Identity) bool {
	return i.userID == other.userID && i.role == other.role && i.officeID == other.officeID
}

// UserProfile 用户目录条目，用于显示名与办公室归属
type UserProfile struct {
	ID          string
	DisplayName string
	OfficeID    string
}

// Name 返回显示名，缺省时回退为用户ID
func (p UserProfile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}
