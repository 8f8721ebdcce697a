package service

import (
	"context"
	"io"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

// Resource 权限资源
type Resource string

const (
	ResourceConversation Resource = "conversation"
	ResourceMessage      Resource = "message"
	ResourceAttachment   Resource = "attachment"
	ResourceModeration   Resource = "moderation"
)

// Action 权限动作
type Action string

const (
	ActionCreate    Action = "create"
	ActionRead      Action = "read"
	ActionUpdate    Action = "update"
	ActionLeave     Action = "leave"
	ActionManage    Action = "manage" // 成员与角色管理
	ActionSend      Action = "send"
	ActionEdit      Action = "edit"
	ActionDelete    Action = "delete"
	ActionReact     Action = "react"
	ActionForward   Action = "forward"
	ActionExport    Action = "export"
	ActionModerate  Action = "moderate" // 删除他人消息
	ActionUpload    Action = "upload"
	ActionMonitor   Action = "monitor"
	ActionAnalytics Action = "analytics"
	ActionSearch    Action = "search"
)

// Authorizer 外部角色权限判定
//
// 返回错误视为外部依赖不可用，调用方一律按拒绝处理。
type Authorizer interface {
	Authorize(ctx context.Context, identity valueobject.Identity, resource Resource, action Action) (bool, error)
}

// AuthorizerFunc 函数适配器
type AuthorizerFunc func(ctx context.Context, identity valueobject.Identity, resource Resource, action Action) (bool, error)

// Authorize 实现 Authorizer
func (f AuthorizerFunc) Authorize(ctx context.Context, identity valueobject.Identity, resource Resource, action Action) (bool, error) {
	return f(ctx, identity, resource, action)
}

// AllowAll 放行一切请求的判定器（测试与单机开发使用）
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, valueobject.Identity, Resource, Action) (bool, error) {
	return true, nil
})

// UserDirectory 用户目录：显示名与办公室归属
type UserDirectory interface {
	// Lookup 查找用户；未知用户返回仅含ID的档案
	Lookup(ctx context.Context, userID string) (valueobject.UserProfile, error)
}

// AttachmentMetadata 附件写入存储时的元数据
type AttachmentMetadata struct {
	Name     string
	MimeType string
	Size     int64
	Owner    string
}

// AttachmentStorage 外部附件存储；核心只持有不透明句柄
type AttachmentStorage interface {
	Store(ctx context.Context, r io.Reader, meta AttachmentMetadata) (string, error)
	Retrieve(ctx context.Context, handle string) (io.ReadCloser, error)
}
