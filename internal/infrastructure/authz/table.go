package authz

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

// Wildcard 匹配任意资源或动作
const Wildcard = "*"

// tableFile 权限表文件格式：role -> resource -> actions
type tableFile struct {
	Roles map[string]map[string][]string `yaml:"roles"`
}

// Table 编译后的权限表（只读）
type Table struct {
	grants map[string]map[string]map[string]bool
}

// ParseTable 解析 YAML 权限表
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse permission table: %w", err)
	}
	if len(f.Roles) == 0 {
		return nil, fmt.Errorf("permission table defines no roles")
	}

	t := &Table{grants: make(map[string]map[string]map[string]bool, len(f.Roles))}
	for role, resources := range f.Roles {
		parsed, ok := valueobject.ParseGlobalRole(role)
		if !ok || strings.TrimSpace(role) == "" {
			return nil, fmt.Errorf("unknown role %q in permission table", role)
		}
		byResource := make(map[string]map[string]bool, len(resources))
		for resource, actions := range resources {
			set := make(map[string]bool, len(actions))
			for _, a := range actions {
				set[strings.ToLower(strings.TrimSpace(a))] = true
			}
			byResource[strings.ToLower(strings.TrimSpace(resource))] = set
		}
		t.grants[string(parsed)] = byResource
	}
	return t, nil
}

// Allows 判断角色是否拥有资源上的动作
func (t *Table) Allows(role valueobject.GlobalRole, resource service.Resource, action service.Action) bool {
	byResource, ok := t.grants[string(role)]
	if !ok {
		return false
	}
	for _, r := range []string{string(resource), Wildcard} {
		actions, ok := byResource[r]
		if !ok {
			continue
		}
		if actions[string(action)] || actions[Wildcard] {
			return true
		}
	}
	return false
}

// TableAuthorizer 基于角色权限表的判定器，支持热替换
type TableAuthorizer struct {
	table  atomic.Pointer[Table]
	path   string
	logger *zap.Logger
}

// NewTableAuthorizer 使用初始权限表创建判定器；path 非空时 Reload 从该文件重新读取
func NewTableAuthorizer(initial *Table, path string, logger *zap.Logger) *TableAuthorizer {
	a := &TableAuthorizer{
		path:   path,
		logger: logger.With(zap.String("component", "authz")),
	}
	a.table.Store(initial)
	return a
}

// LoadFile 从文件读取权限表
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permission table: %w", err)
	}
	return ParseTable(data)
}

var _ service.Authorizer = (*TableAuthorizer)(nil)

// Authorize 按调用者全局角色查表
func (a *TableAuthorizer) Authorize(ctx context.Context, identity valueobject.Identity, resource service.Resource, action service.Action) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	t := a.table.Load()
	if t == nil {
		return false, fmt.Errorf("permission table not loaded")
	}
	allowed := t.Allows(identity.Role(), resource, action)
	if !allowed {
		a.logger.Debug("Permission denied",
			zap.String("user_id", identity.UserID()),
			zap.String("role", string(identity.Role())),
			zap.String("resource", string(resource)),
			zap.String("action", string(action)),
		)
	}
	return allowed, nil
}

// Reload 重新读取权限表文件；解析失败时保留旧表
func (a *TableAuthorizer) Reload() error {
	if a.path == "" {
		return nil
	}
	t, err := LoadFile(a.path)
	if err != nil {
		return err
	}
	a.table.Store(t)
	a.logger.Info("Permission table reloaded", zap.String("path", a.path))
	return nil
}

// Path 返回权限表文件路径
func (a *TableAuthorizer) Path() string {
	return a.path
}
