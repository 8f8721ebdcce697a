package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// FileScheme 本地存储句柄前缀
const FileScheme = "file://"

// LocalStorage 本地目录附件存储
//
// 对象先写入同目录临时文件，完整写完后再原子改名，读取方不会看到半截文件。
type LocalStorage struct {
	root   string
	logger *zap.Logger
}

var _ service.AttachmentStorage = (*LocalStorage)(nil)

// NewLocalStorage 创建本地存储，目录不存在时自动创建
func NewLocalStorage(root string, logger *zap.Logger) (*LocalStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStorage{
		root:   abs,
		logger: logger.With(zap.String("component", "storage")),
	}, nil
}

// Store 写入对象并返回 file:// 句柄
func (s *LocalStorage) Store(ctx context.Context, r io.Reader, meta service.AttachmentMetadata) (string, error) {
	owner := sanitize(meta.Owner)
	if owner == "" {
		owner = "_"
	}
	dir := filepath.Join(s.root, owner)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}

	rel := filepath.Join(owner, uuid.NewString()+extension(meta.Name))
	if err := os.Rename(tmpPath, filepath.Join(s.root, rel)); err != nil {
		return "", err
	}
	committed = true

	s.logger.Debug("Attachment written",
		zap.String("path", rel),
		zap.String("size", humanize.Bytes(uint64(n))),
	)
	return FileScheme + filepath.ToSlash(rel), nil
}

// Retrieve 按句柄打开对象
func (s *LocalStorage) Retrieve(ctx context.Context, handle string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, ok := strings.CutPrefix(handle, FileScheme)
	if !ok || rel == "" {
		return nil, errors.NewInvalidArgumentError("not a local storage handle")
	}
	path := filepath.Join(s.root, filepath.FromSlash(rel))
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return nil, errors.NewInvalidArgumentError("handle escapes storage root")
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("attachment not found")
	}
	return f, err
}

func extension(name string) string {
	ext := filepath.Ext(sanitize(name))
	if len(ext) > 16 {
		return ""
	}
	return ext
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), ".")
}

// ctxReader 在上下文取消后停止读取
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
