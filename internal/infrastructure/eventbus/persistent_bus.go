package eventbus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	journalName       = "delivery.journal"
	defaultJournalMax = 10 * 1024 * 1024
)

// PersistentBus 带投递日志的事件总线
//
// 每个投递事件（载荷为 DeliveryPayload）在分发前以 JSON 行追加到日志，
// 进程崩溃后可通过 Replay 重新分发，使缓存失效等订阅方追上已提交的变更。
// 其它事件不落盘，直接分发。日志超过上限时轮转为单个 .1 段。
type PersistentBus struct {
	inner  *InMemoryBus
	logger *zap.Logger

	mu      sync.Mutex
	dir     string
	file    *os.File
	writer  *bufio.Writer
	written int64
	maxSize int64
}

// journalRecord 日志中的一行
type journalRecord struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Payload   DeliveryPayload `json:"payload"`
}

// PersistentBusConfig 投递日志配置
type PersistentBusConfig struct {
	WALDir     string // 日志目录，必填
	BufferSize int    // 内存总线缓冲，默认 256
	MaxWALSize int64  // 轮转阈值（字节），默认 10MB
}

// NewPersistentBus 打开（或创建）投递日志
func NewPersistentBus(cfg PersistentBusConfig, logger *zap.Logger) (*PersistentBus, error) {
	if cfg.WALDir == "" {
		return nil, errors.New("event journal directory is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.MaxWALSize <= 0 {
		cfg.MaxWALSize = defaultJournalMax
	}
	if err := os.MkdirAll(cfg.WALDir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	b := &PersistentBus{
		inner:   NewInMemoryBus(logger, cfg.BufferSize),
		logger:  logger.With(zap.String("component", "delivery-journal")),
		dir:     cfg.WALDir,
		maxSize: cfg.MaxWALSize,
	}
	if err := b.openLocked(os.O_APPEND | os.O_CREATE | os.O_WRONLY); err != nil {
		b.inner.Close()
		return nil, err
	}
	return b, nil
}

func (b *PersistentBus) path() string    { return filepath.Join(b.dir, journalName) }
func (b *PersistentBus) rotated() string { return b.path() + ".1" }

func (b *PersistentBus) openLocked(flag int) error {
	f, err := os.OpenFile(b.path(), flag, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	b.file = f
	b.writer = bufio.NewWriterSize(f, 64*1024)
	b.written = size
	return nil
}

// deliveryOf 取出投递载荷；非投递事件返回 false
func deliveryOf(event Event) (DeliveryPayload, bool) {
	switch p := event.Payload().(type) {
	case DeliveryPayload:
		return p, true
	case *DeliveryPayload:
		if p != nil {
			return *p, true
		}
	}
	return DeliveryPayload{}, false
}

// Publish 先追加日志再分发；日志写入失败只记录，不阻止投递
func (b *PersistentBus) Publish(ctx context.Context, event Event) error {
	if payload, ok := deliveryOf(event); ok {
		b.append(journalRecord{Type: event.Type(), Timestamp: event.Timestamp(), Payload: payload})
	}
	return b.inner.Publish(ctx, event)
}

func (b *PersistentBus) append(rec journalRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		b.logger.Error("Failed to encode journal record",
			zap.String("type", rec.Type),
			zap.String("conversation_id", rec.Payload.ConversationID),
			zap.Error(err),
		)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return
	}
	n, err := b.writer.Write(append(line, '\n'))
	b.written += int64(n)
	if err == nil {
		err = b.writer.Flush()
	}
	if err != nil {
		b.logger.Error("Journal write failed",
			zap.String("type", rec.Type),
			zap.String("conversation_id", rec.Payload.ConversationID),
			zap.Error(err),
		)
	}
	if b.written >= b.maxSize {
		b.rotateLocked()
	}
}

// Subscribe 订阅事件
func (b *PersistentBus) Subscribe(eventType string, handler Handler) func() {
	return b.inner.Subscribe(eventType, handler)
}

// Close 刷盘并关闭日志，等待已入队事件分发完毕
func (b *PersistentBus) Close() {
	b.mu.Lock()
	if b.file != nil {
		_ = b.writer.Flush()
		_ = b.file.Sync()
		_ = b.file.Close()
		b.file = nil
	}
	b.mu.Unlock()

	b.inner.Close()
	b.logger.Info("Delivery journal closed")
}

// Replay 按写入顺序重新分发日志中的投递事件（先轮转段，后当前段），
// 返回重放条数。应在订阅方注册之后、对外服务之前调用。
func (b *PersistentBus) Replay(ctx context.Context) (int, error) {
	b.mu.Lock()
	if b.file != nil {
		_ = b.writer.Flush()
	}
	b.mu.Unlock()

	total := 0
	for _, path := range []string{b.rotated(), b.path()} {
		n, err := b.replayFile(ctx, path)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		b.logger.Info("Journal replay complete", zap.Int("events", total))
	}
	return total, nil
}

func (b *PersistentBus) replayFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	count := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.Type == "" {
			b.logger.Warn("Skipping corrupt journal record", zap.String("file", filepath.Base(path)), zap.Error(err))
			continue
		}
		event := &BaseEvent{EventType: rec.Type, EventTimestamp: rec.Timestamp, EventPayload: rec.Payload}
		if err := b.inner.Publish(ctx, event); err != nil {
			return count, err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("scan journal: %w", err)
	}
	return count, nil
}

// Truncate 清空日志（含轮转段）；在重放完成后调用
func (b *PersistentBus) Truncate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		_ = b.writer.Flush()
		_ = b.file.Close()
		b.file = nil
	}
	if err := os.Remove(b.rotated()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove rotated journal: %w", err)
	}
	if err := b.openLocked(os.O_TRUNC | os.O_CREATE | os.O_WRONLY); err != nil {
		return err
	}
	b.logger.Info("Journal truncated")
	return nil
}

// rotateLocked 当前段改名为 .1（覆盖旧的 .1），随后新建当前段
func (b *PersistentBus) rotateLocked() {
	_ = b.writer.Flush()
	_ = b.file.Close()
	b.file = nil

	if err := os.Rename(b.path(), b.rotated()); err != nil {
		b.logger.Error("Journal rotation failed", zap.Error(err))
	}
	if err := b.openLocked(os.O_APPEND | os.O_CREATE | os.O_WRONLY); err != nil {
		b.logger.Error("Journal reopen failed", zap.Error(err))
		return
	}
	b.logger.Info("Journal rotated", zap.String("segment", filepath.Base(b.rotated())))
}

// WALSize 当前段已写入字节数
func (b *PersistentBus) WALSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}
