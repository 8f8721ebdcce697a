package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

// RedisConfig Redis 连接参数
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisAnalyticsCache 基于 Redis 的统计缓存，多实例共享。
// Redis 不可用时读取视为未命中、写入被丢弃，统计退化为每次重算。
type RedisAnalyticsCache struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisAnalyticsCache 连接 Redis 并校验可用性
func NewRedisAnalyticsCache(cfg RedisConfig, logger *zap.Logger) (*RedisAnalyticsCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisAnalyticsCache{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: logger.With(zap.String("component", "analytics-cache")),
	}, nil
}

var _ service.AnalyticsCache = (*RedisAnalyticsCache)(nil)

func (c *RedisAnalyticsCache) key(conversationID string, tf valueobject.Timeframe) string {
	return fmt.Sprintf("%s%s:%s", c.prefix, conversationID, tf)
}

// Get 读取缓存
func (c *RedisAnalyticsCache) Get(ctx context.Context, conversationID string, tf valueobject.Timeframe) (*service.ConversationAnalytics, bool) {
	data, err := c.client.Get(ctx, c.key(conversationID, tf)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("Analytics cache read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, false
	}

	var analytics service.ConversationAnalytics
	if err := json.Unmarshal(data, &analytics); err != nil {
		c.logger.Warn("Analytics cache entry corrupt", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, false
	}
	return &analytics, true
}

// Set 写入缓存
func (c *RedisAnalyticsCache) Set(ctx context.Context, analytics *service.ConversationAnalytics, ttl time.Duration) {
	if analytics == nil || ttl <= 0 {
		return
	}
	data, err := json.Marshal(analytics)
	if err != nil {
		c.logger.Warn("Analytics encode failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.key(analytics.ConversationID, analytics.Timeframe), data, ttl).Err(); err != nil {
		c.logger.Warn("Analytics cache write failed", zap.String("conversation_id", analytics.ConversationID), zap.Error(err))
	}
}

// Invalidate 删除会话全部时间窗口的缓存
func (c *RedisAnalyticsCache) Invalidate(ctx context.Context, conversationID string) {
	timeframes := valueobject.Timeframes()
	keys := make([]string, len(timeframes))
	for i, tf := range timeframes {
		keys[i] = c.key(conversationID, tf)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("Analytics cache invalidation failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Close 关闭连接
func (c *RedisAnalyticsCache) Close() error {
	return c.client.Close()
}
