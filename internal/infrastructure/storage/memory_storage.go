package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// MemScheme 内存存储句柄前缀
const MemScheme = "mem://"

// MemoryStorage 进程内附件存储（开发与测试使用）
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ service.AttachmentStorage = (*MemoryStorage)(nil)

// NewMemoryStorage 创建内存存储
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

// Store 读取全部内容并保存
func (s *MemoryStorage) Store(ctx context.Context, r io.Reader, meta service.AttachmentMetadata) (string, error) {
	data, err := io.ReadAll(&ctxReader{ctx: ctx, r: r})
	if err != nil {
		return "", err
	}
	handle := MemScheme + uuid.NewString()
	s.mu.Lock()
	s.objects[handle] = data
	s.mu.Unlock()
	return handle, nil
}

// Retrieve 按句柄读取
func (s *MemoryStorage) Retrieve(ctx context.Context, handle string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.objects[handle]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFoundError("attachment not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Len 返回对象数量
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
