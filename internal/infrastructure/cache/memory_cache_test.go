package cache

import (
	"context"
	"testing"
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

func TestMemoryAnalyticsCache_TTL(t *testing.T) {
	c := NewMemoryAnalyticsCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	a := &service.ConversationAnalytics{ConversationID: "c1", Timeframe: valueobject.Timeframe7d, TotalMessages: 3}
	c.Set(ctx, a, time.Minute)

	got, ok := c.Get(ctx, "c1", valueobject.Timeframe7d)
	if !ok || got.TotalMessages != 3 {
		t.Fatalf("Get = %v, %v", got, ok)
	}
	if _, ok := c.Get(ctx, "c1", valueobject.Timeframe24h); ok {
		t.Error("other timeframe should miss")
	}

	now = now.Add(time.Minute)
	if _, ok := c.Get(ctx, "c1", valueobject.Timeframe7d); ok {
		t.Error("entry should expire at ttl")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not evicted, len = %d", c.Len())
	}
}

func TestMemoryAnalyticsCache_Invalidate(t *testing.T) {
	c := NewMemoryAnalyticsCache()
	ctx := context.Background()

	for _, tf := range valueobject.Timeframes() {
		c.Set(ctx, &service.ConversationAnalytics{ConversationID: "c1", Timeframe: tf}, time.Hour)
	}
	c.Set(ctx, &service.ConversationAnalytics{ConversationID: "c2", Timeframe: valueobject.Timeframe7d}, time.Hour)
	c.Set(ctx, nil, time.Hour)
	c.Set(ctx, &service.ConversationAnalytics{ConversationID: "c3"}, 0)

	if c.Len() != 4 {
		t.Fatalf("len = %d, want 4", c.Len())
	}
	c.Invalidate(ctx, "c1")
	if c.Len() != 1 {
		t.Errorf("len after invalidate = %d, want 1", c.Len())
	}
	if _, ok := c.Get(ctx, "c2", valueobject.Timeframe7d); !ok {
		t.Error("unrelated conversation evicted")
	}
}
