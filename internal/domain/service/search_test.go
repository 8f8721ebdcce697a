package service

import (
	"testing"
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

var base = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newMsg(t *testing.T, id, sender, content string, seq int64, at time.Time) *entity.Message {
	t.Helper()
	m, err := entity.NewMessage(id, "c1", sender, content, nil, "", at)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	m.AssignSequence(seq)
	return m
}

// === Tokenize / ScoreText ===

func TestTokenize(t *testing.T) {
	got := Tokenize("Hello, hello WORLD! 2026-plan")
	want := []string{"hello", "world", "2026", "plan"}
	if len(got) != len(want) {
		t.Fatalf("Tokenize = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestScoreText_Ordering(t *testing.T) {
	terms := []string{"budget"}

	exact := ScoreText(terms, "the budget is ready")
	prefix := ScoreText(terms, "budgeting session")
	substring := ScoreText(terms, "overbudget again")
	none := ScoreText(terms, "nothing here")

	if !(exact > prefix && prefix > substring && substring > none) {
		t.Errorf("scores exact=%v prefix=%v substring=%v none=%v", exact, prefix, substring, none)
	}
	if none != 0 {
		t.Errorf("non-match should score 0, got %v", none)
	}
}

func TestScoreText_PhraseBonus(t *testing.T) {
	terms := Tokenize("quarterly report")
	together := ScoreText(terms, "the quarterly report is late")
	apart := ScoreText(terms, "report for the quarterly meeting")
	if together <= apart {
		t.Errorf("phrase match should rank higher: %v <= %v", together, apart)
	}
}

// === RankMessages ===

func TestRankMessages(t *testing.T) {
	deleted := newMsg(t, "m4", "u1", "budget secret", 4, base)
	_ = deleted.Redact(base)

	msgs := []*entity.Message{
		newMsg(t, "m1", "u1", "overbudget", 1, base),
		newMsg(t, "m2", "u2", "budget review", 2, base.Add(time.Minute)),
		newMsg(t, "m3", "u1", "budget", 3, base.Add(2*time.Minute)),
		deleted,
		newMsg(t, "m5", "u2", "lunch?", 5, base.Add(3*time.Minute)),
	}

	ranked := RankMessages([]string{"budget"}, msgs, 0)
	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.Message.ID()
	}
	want := []string{"m3", "m2", "m1"}
	if len(ids) != len(want) {
		t.Fatalf("ranked = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ranked = %v, want %v", ids, want)
		}
	}

	if got := RankMessages([]string{"budget"}, msgs, 1); len(got) != 1 {
		t.Errorf("limit not applied: %d", len(got))
	}
}

// === RankConversations ===

func TestRankConversations_NameOutweighsParticipants(t *testing.T) {
	byName, _ := entity.NewGroupConversation("c1", "Design team", "u1", base)
	byMember, _ := entity.NewGroupConversation("c2", "Random", "u1", base)
	unrelated, _ := entity.NewGroupConversation("c3", "Ops", "u1", base)

	docs := []ConversationDocument{
		{Conversation: byMember, ParticipantNames: []string{"Design Lead"}},
		{Conversation: byName, ParticipantNames: []string{"Alice"}},
		{Conversation: unrelated, ParticipantNames: []string{"Bob"}},
	}

	ranked := RankConversations([]string{"design"}, docs, 10)
	if len(ranked) != 2 {
		t.Fatalf("ranked %d conversations", len(ranked))
	}
	if ranked[0].Conversation.ID() != "c1" || ranked[1].Conversation.ID() != "c2" {
		t.Errorf("order = %s, %s", ranked[0].Conversation.ID(), ranked[1].Conversation.ID())
	}
}

func TestRankConversations_DirectByParticipantName(t *testing.T) {
	a := valueobject.UserProfile{ID: "1", DisplayName: "Alice"}
	b := valueobject.UserProfile{ID: "2", DisplayName: "Bob"}
	direct, _ := entity.NewDirectConversation("d1", a, b, base)

	ranked := RankConversations([]string{"bob"}, []ConversationDocument{
		{Conversation: direct, ParticipantNames: []string{"Alice", "Bob"}},
	}, 0)
	if len(ranked) != 1 {
		t.Fatalf("direct conversation should match participant name")
	}
}
