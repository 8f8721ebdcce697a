package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

type cacheKey struct {
	conversationID string
	timeframe      valueobject.Timeframe
}

type cacheEntry struct {
	analytics *service.ConversationAnalytics
	expiresAt time.Time
}

// MemoryAnalyticsCache 进程内统计缓存
type MemoryAnalyticsCache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
	now     func() time.Time
}

// NewMemoryAnalyticsCache 创建进程内缓存
func NewMemoryAnalyticsCache() *MemoryAnalyticsCache {
	return &MemoryAnalyticsCache{
		entries: make(map[cacheKey]cacheEntry),
		now:     time.Now,
	}
}

var _ service.AnalyticsCache = (*MemoryAnalyticsCache)(nil)

// Get 读取未过期的条目，过期条目顺带清除
func (c *MemoryAnalyticsCache) Get(ctx context.Context, conversationID string, tf valueobject.Timeframe) (*service.ConversationAnalytics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{conversationID, tf}
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.analytics, true
}

// Set 写入条目
func (c *MemoryAnalyticsCache) Set(ctx context.Context, analytics *service.ConversationAnalytics, ttl time.Duration) {
	if analytics == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{analytics.ConversationID, analytics.Timeframe}] = cacheEntry{
		analytics: analytics,
		expiresAt: c.now().Add(ttl),
	}
}

// Invalidate 清除会话全部时间窗口的条目
func (c *MemoryAnalyticsCache) Invalidate(ctx context.Context, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.conversationID == conversationID {
			delete(c.entries, key)
		}
	}
}

// Len 返回条目数（含尚未清理的过期条目）
func (c *MemoryAnalyticsCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
