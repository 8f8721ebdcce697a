package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Sources 运行状态数据来源
type Sources struct {
	ActiveLanes func() int
	Clients     func() int
}

// Monitor 运行状态监控器，供 /health 与 CLI stats 使用
type Monitor struct {
	sources   Sources
	startTime time.Time
	logger    *zap.Logger
	mu        sync.RWMutex

	// 历史快照 (环形保留最近 historyLimit 个)
	history      []Snapshot
	historyLimit int
}

// Snapshot 运行状态快照
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Uptime        string    `json:"uptime"`
	ActiveLanes   int       `json:"active_lanes"`
	Clients       int       `json:"websocket_clients"`
	Goroutines    int       `json:"goroutines"`
	HeapAlloc     uint64    `json:"heap_alloc_bytes"`
	HeapAllocText string    `json:"heap_alloc"`
	NumGC         uint32    `json:"num_gc"`
}

// NewMonitor 创建监控器
func NewMonitor(sources Sources, logger *zap.Logger) *Monitor {
	return &Monitor{
		sources:      sources,
		startTime:    time.Now(),
		logger:       logger.With(zap.String("component", "monitor")),
		history:      make([]Snapshot, 0, 100),
		historyLimit: 100,
	}
}

// Current 读取当前状态（不写入历史）
func (m *Monitor) Current() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(m.startTime)
	s := Snapshot{
		Timestamp:     time.Now(),
		UptimeSeconds: uptime.Seconds(),
		Uptime:        uptime.Round(time.Second).String(),
		Goroutines:    runtime.NumGoroutine(),
		HeapAlloc:     memStats.HeapAlloc,
		HeapAllocText: humanize.Bytes(memStats.HeapAlloc),
		NumGC:         memStats.NumGC,
	}
	if m.sources.ActiveLanes != nil {
		s.ActiveLanes = m.sources.ActiveLanes()
	}
	if m.sources.Clients != nil {
		s.Clients = m.sources.Clients()
	}
	return s
}

// Snapshot 创建快照并保存到历史
func (m *Monitor) Snapshot() Snapshot {
	s := m.Current()
	m.mu.Lock()
	m.history = append(m.history, s)
	if len(m.history) > m.historyLimit {
		m.history = m.history[1:]
	}
	m.mu.Unlock()
	return s
}

// History 获取历史快照
func (m *Monitor) History() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Snapshot, len(m.history))
	copy(result, m.history)
	return result
}

// StartCollector 启动定期收集，ctx 取消后返回
func (m *Monitor) StartCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := m.Snapshot()
			m.logger.Debug("Runtime snapshot",
				zap.Int("active_lanes", s.ActiveLanes),
				zap.Int("clients", s.Clients),
				zap.Int("goroutines", s.Goroutines),
				zap.String("heap", s.HeapAllocText),
			)
		}
	}
}

// Health /health 响应体
type Health struct {
	Status  string     `json:"status"`
	Current Snapshot   `json:"current"`
	History []Snapshot `json:"history,omitempty"`
}

// Health 返回健康状态
func (m *Monitor) Health(withHistory bool) *Health {
	h := &Health{Status: "ok", Current: m.Current()}
	if withHistory {
		h.History = m.History()
	}
	return h
}
