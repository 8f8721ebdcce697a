package service

import (
	"sort"
	"strings"
	"unicode"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
)

// 词项命中得分：精确 > 前缀 > 子串
const (
	scoreExact     = 3.0
	scorePrefix    = 2.0
	scoreSubstring = 1.0
	// 整个查询短语原样出现的加分
	scorePhrase = 1.5
	// 会话名命中权重高于成员名
	nameWeight = 2.0
)

// Tokenize 将文本切分为去重的小写词项
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}

// ScoreText 计算词项对文本的相关度，0 表示不匹配
func ScoreText(terms []string, text string) float64 {
	if len(terms) == 0 || text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	tokens := Tokenize(lower)

	var score float64
	for _, term := range terms {
		best := 0.0
		for _, tok := range tokens {
			switch {
			case tok == term:
				best = scoreExact
			case strings.HasPrefix(tok, term) && best < scorePrefix:
				best = scorePrefix
			}
			if best == scoreExact {
				break
			}
		}
		if best == 0 && strings.Contains(lower, term) {
			best = scoreSubstring
		}
		score += best
	}
	if score > 0 && len(terms) > 1 && strings.Contains(lower, strings.Join(terms, " ")) {
		score += scorePhrase
	}
	return score
}

// RankedMessage 带相关度的消息
type RankedMessage struct {
	Message *entity.Message
	Score   float64
}

// RankMessages 按相关度排序消息，同分时新消息在前；丢弃不匹配项与已删除消息
func RankMessages(terms []string, messages []*entity.Message, limit int) []RankedMessage {
	ranked := make([]RankedMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.IsDeleted() {
			continue
		}
		if s := ScoreText(terms, msg.Content()); s > 0 {
			ranked = append(ranked, RankedMessage{Message: msg, Score: s})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Message.CreatedAt().Equal(b.Message.CreatedAt()) {
			return a.Message.CreatedAt().After(b.Message.CreatedAt())
		}
		return a.Message.ID() < b.Message.ID()
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// ConversationDocument 会话检索文档
type ConversationDocument struct {
	Conversation     *entity.Conversation
	ParticipantNames []string
}

// RankedConversation 带相关度的会话
type RankedConversation struct {
	Conversation *entity.Conversation
	Score        float64
}

// RankConversations 对会话名与成员显示名打分排序
func RankConversations(terms []string, docs []ConversationDocument, limit int) []RankedConversation {
	ranked := make([]RankedConversation, 0, len(docs))
	for _, doc := range docs {
		score := nameWeight * ScoreText(terms, doc.Conversation.Name())
		for _, name := range doc.ParticipantNames {
			score += ScoreText(terms, name)
		}
		if score > 0 {
			ranked = append(ranked, RankedConversation{Conversation: doc.Conversation, Score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Conversation.ActivityAt().Equal(b.Conversation.ActivityAt()) {
			return a.Conversation.ActivityAt().After(b.Conversation.ActivityAt())
		}
		return a.Conversation.ID() < b.Conversation.ID()
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
