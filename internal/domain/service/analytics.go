package service

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

// TimeBucket 时间分桶计数
type TimeBucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// ParticipantActivity 成员活跃度
type ParticipantActivity struct {
	UserID       string    `json:"user_id"`
	MessageCount int       `json:"message_count"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// ResponseTimeStats 回复间隔统计（秒）
//
// 样本为一条消息与下一条不同发送者消息之间的间隔。
type ResponseTimeStats struct {
	Samples       int     `json:"samples"`
	MeanSeconds   float64 `json:"mean_seconds"`
	MedianSeconds float64 `json:"median_seconds"`
	P90Seconds    float64 `json:"p90_seconds"`
}

// ConversationAnalytics 会话统计快照
type ConversationAnalytics struct {
	ConversationID  string                `json:"conversation_id"`
	Timeframe       valueobject.Timeframe `json:"timeframe"`
	From            time.Time             `json:"from"`
	To              time.Time             `json:"to"`
	GeneratedAt     time.Time             `json:"generated_at"`
	TotalMessages   int                   `json:"total_messages"`
	DeletedMessages int                   `json:"deleted_messages"`
	Buckets         []TimeBucket          `json:"buckets"`
	Participants    []ParticipantActivity `json:"participants"`
	ResponseTimes   ResponseTimeStats     `json:"response_times"`
}

// AnalyticsCache 统计快照缓存；条目在 ttl 后失效，会话变更时整体清除
type AnalyticsCache interface {
	Get(ctx context.Context, conversationID string, tf valueobject.Timeframe) (*ConversationAnalytics, bool)
	Set(ctx context.Context, analytics *ConversationAnalytics, ttl time.Duration)
	Invalidate(ctx context.Context, conversationID string)
}

// ComputeAnalytics 基于窗口内的消息计算统计；messages 需按序号升序
func ComputeAnalytics(conversationID string, tf valueobject.Timeframe, messages []*entity.Message, now time.Time) ConversationAnalytics {
	now = now.UTC()
	from := now.Add(-tf.Window())
	bucket := tf.Bucket()
	first := from.Truncate(bucket)

	n := int(now.Sub(first)/bucket) + 1
	buckets := make([]TimeBucket, n)
	for i := range buckets {
		buckets[i].Start = first.Add(time.Duration(i) * bucket)
	}

	result := ConversationAnalytics{
		ConversationID: conversationID,
		Timeframe:      tf,
		From:           from,
		To:             now,
		GeneratedAt:    now,
		Buckets:        buckets,
	}

	activity := make(map[string]*ParticipantActivity)
	var gaps []float64
	var prev *entity.Message

	for _, msg := range messages {
		created := msg.CreatedAt().UTC()
		if created.Before(from) || created.After(now) {
			continue
		}
		if msg.IsDeleted() {
			result.DeletedMessages++
			continue
		}
		result.TotalMessages++

		idx := int(created.Sub(first) / bucket)
		if idx >= 0 && idx < n {
			buckets[idx].Count++
		}

		a, ok := activity[msg.SenderID()]
		if !ok {
			a = &ParticipantActivity{UserID: msg.SenderID()}
			activity[msg.SenderID()] = a
		}
		a.MessageCount++
		if created.After(a.LastActiveAt) {
			a.LastActiveAt = created
		}

		if prev != nil && prev.SenderID() != msg.SenderID() {
			gaps = append(gaps, created.Sub(prev.CreatedAt().UTC()).Seconds())
		}
		prev = msg
	}

	result.Participants = make([]ParticipantActivity, 0, len(activity))
	for _, a := range activity {
		result.Participants = append(result.Participants, *a)
	}
	sort.Slice(result.Participants, func(i, j int) bool {
		pi, pj := result.Participants[i], result.Participants[j]
		if pi.MessageCount != pj.MessageCount {
			return pi.MessageCount > pj.MessageCount
		}
		return pi.UserID < pj.UserID
	})

	result.ResponseTimes = responseStats(gaps)
	return result
}

func responseStats(gaps []float64) ResponseTimeStats {
	if len(gaps) == 0 {
		return ResponseTimeStats{}
	}
	sorted := make([]float64, len(gaps))
	copy(sorted, gaps)
	sort.Float64s(sorted)

	var sum float64
	for _, g := range sorted {
		sum += g
	}

	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}

	// nearest-rank
	rank := int(math.Ceil(0.9*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}

	return ResponseTimeStats{
		Samples:       len(sorted),
		MeanSeconds:   sum / float64(len(sorted)),
		MedianSeconds: median,
		P90Seconds:    sorted[rank],
	}
}
