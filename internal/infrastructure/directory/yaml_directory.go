package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

type directoryFile struct {
	Users []userEntry `yaml:"users"`
}

type userEntry struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	OfficeID    string `yaml:"office_id"`
}

// Parse 解析 YAML 用户目录
func Parse(data []byte) (map[string]valueobject.UserProfile, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse user directory: %w", err)
	}
	users := make(map[string]valueobject.UserProfile, len(f.Users))
	for i, u := range f.Users {
		id := strings.TrimSpace(u.ID)
		if id == "" {
			return nil, fmt.Errorf("user directory entry %d has no id", i)
		}
		if _, dup := users[id]; dup {
			return nil, fmt.Errorf("duplicate user %q in directory", id)
		}
		users[id] = valueobject.UserProfile{
			ID:          id,
			DisplayName: strings.TrimSpace(u.DisplayName),
			OfficeID:    strings.TrimSpace(u.OfficeID),
		}
	}
	return users, nil
}

// YAMLDirectory 基于 YAML 文件的用户目录
type YAMLDirectory struct {
	mu     sync.RWMutex
	users  map[string]valueobject.UserProfile
	path   string
	logger *zap.Logger
}

var _ service.UserDirectory = (*YAMLDirectory)(nil)

// NewYAMLDirectory 从内存数据创建目录；path 为 Reload 使用的文件
func NewYAMLDirectory(users map[string]valueobject.UserProfile, path string, logger *zap.Logger) *YAMLDirectory {
	if users == nil {
		users = make(map[string]valueobject.UserProfile)
	}
	return &YAMLDirectory{
		users:  users,
		path:   path,
		logger: logger.With(zap.String("component", "directory")),
	}
}

// Open 读取文件并创建目录
func Open(path string, logger *zap.Logger) (*YAMLDirectory, error) {
	users, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return NewYAMLDirectory(users, path, logger), nil
}

func readFile(path string) (map[string]valueobject.UserProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read user directory: %w", err)
	}
	return Parse(data)
}

// Lookup 查找用户；未知用户返回仅含ID的档案
func (d *YAMLDirectory) Lookup(ctx context.Context, userID string) (valueobject.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return valueobject.UserProfile{}, err
	}
	d.mu.RLock()
	p, ok := d.users[userID]
	d.mu.RUnlock()
	if !ok {
		return valueobject.UserProfile{ID: userID}, nil
	}
	return p, nil
}

// Users 返回全部用户，按ID排序
func (d *YAMLDirectory) Users() []valueobject.UserProfile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]valueobject.UserProfile, 0, len(d.users))
	for _, p := range d.users {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reload 重新读取目录文件；失败时保留旧数据
func (d *YAMLDirectory) Reload() error {
	if d.path == "" {
		return nil
	}
	users, err := readFile(d.path)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.users = users
	d.mu.Unlock()
	d.logger.Info("User directory reloaded", zap.String("path", d.path), zap.Int("users", len(users)))
	return nil
}

// Path 返回目录文件路径
func (d *YAMLDirectory) Path() string {
	return d.path
}
